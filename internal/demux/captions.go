package demux

import (
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/lens/internal/media"
)

// cea708ChannelBase offsets CEA-708 service numbers past the four CEA-608
// channels so both share one channel space.
const cea708ChannelBase = 6

// captionDecoder turns the caption payloads of video SEI messages into
// text updates. It keeps per-channel decoder state across frames and must
// be reset after a seek.
type captionDecoder struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	// CEA-608 control codes are sent twice; the repeat is dropped when it
	// arrives within two frames.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
	frame         int64
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{}
	c.reset()
	return c
}

func (c *captionDecoder) reset() {
	c.cea608 = make(map[int]*ccx.CEA608Decoder, 4)
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	c.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	c.dtvcc = c.dtvcc[:0]
	c.lastWasCtrl = [2]bool{}
}

// decode processes one access unit's SEI NAL units and returns the caption
// text updates they complete.
func (c *captionDecoder) decode(seis [][]byte, pts time.Duration) []media.Caption {
	c.frame++
	var out []media.Caption
	for _, sei := range seis {
		cd := ccx.ExtractCaptions(sei)
		if cd == nil {
			continue
		}

		for _, pair := range cd.CC608Pairs {
			cc1, cc2 := pair.Data[0], pair.Data[1]
			f := pair.Field
			if f < 0 || f > 1 {
				continue
			}
			if cc1 >= 0x10 && cc1 <= 0x1F {
				code := [2]byte{cc1, cc2}
				if c.lastWasCtrl[f] && c.lastCtrl[f] == code && c.frame-c.lastCtrlFrame[f] <= 2 {
					c.lastWasCtrl[f] = false
					continue
				}
				c.lastCtrl[f] = code
				c.lastWasCtrl[f] = true
				c.lastCtrlFrame[f] = c.frame
			} else {
				c.lastWasCtrl[f] = false
			}

			dec := c.cea608[pair.Channel]
			if dec == nil {
				continue
			}
			if text := dec.Decode(cc1, cc2); text != "" {
				out = append(out, media.Caption{PTS: pts, Channel: pair.Channel, Text: text})
			}
		}

		for _, t := range cd.DTVCC {
			if t.Start {
				out = c.flushDTVCC(out, pts)
				c.dtvcc = c.dtvcc[:0]
			}
			c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
		}
	}
	return out
}

// flushDTVCC decodes the buffered DTVCC packet once it is complete.
func (c *captionDecoder) flushDTVCC(out []media.Caption, pts time.Duration) []media.Caption {
	if len(c.dtvcc) < 1 {
		return out
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return out
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, media.Caption{
				PTS:     pts,
				Channel: block.ServiceNum + cea708ChannelBase,
				Text:    text,
			})
		}
	}
	return out
}
