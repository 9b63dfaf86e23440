package demux

import "errors"

// ErrInvalidADTS is returned when an ADTS header carries a reserved
// sampling frequency index.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// AAC sampling frequency table (ISO/IEC 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AudioFrame is one compressed audio frame split out of a PES payload.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
	// Samples is the frame duration in samples per channel.
	Samples int
}

// ParseADTS splits an ADTS byte stream into AAC frames. Each frame keeps
// its ADTS header. Bytes before a sync word are skipped and a truncated
// trailing frame is dropped.
func ParseADTS(data []byte) ([]AudioFrame, error) {
	var frames []AudioFrame
	for off := 0; len(data)-off >= 7; {
		h := data[off:]
		// 12-bit sync word and a zero layer field.
		if h[0] != 0xFF || h[1]&0xF6 != 0xF0 {
			off++
			continue
		}
		headerLen := 7
		if h[1]&0x01 == 0 {
			headerLen = 9 // CRC present
		}
		rateIdx := int(h[2] >> 2 & 0x0F)
		if rateIdx >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int(h[2]&0x01)<<2 | int(h[3]>>6)
		frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if frameLen < headerLen || frameLen > len(h) {
			break
		}
		blocks := int(h[6]&0x03) + 1
		frames = append(frames, AudioFrame{
			Data:       h[:frameLen],
			SampleRate: aacSampleRates[rateIdx],
			Channels:   channels,
			Samples:    1024 * blocks,
		})
		off += frameLen
	}
	return frames, nil
}

// MPEG audio bitrates in kbit/s indexed by [version][layer][index], where
// version 0 is MPEG-1 and 1 is MPEG-2/2.5, and layer 0 is Layer I.
var mpegBitrates = [2][3][16]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

var mpegSampleRates = [3]int{44100, 48000, 32000}

// MPEGAudioHeader is a decoded MPEG-1/2/2.5 audio frame header.
type MPEGAudioHeader struct {
	Layer      int // 1, 2 or 3
	SampleRate int
	Channels   int
	FrameLen   int
	Samples    int
}

// Codec returns the decoder name for the header's layer.
func (h MPEGAudioHeader) Codec() string {
	switch h.Layer {
	case 3:
		return "mp3"
	case 2:
		return "mp2"
	default:
		return "mp1"
	}
}

// ParseMPEGAudioHeader decodes the 4-byte frame header at the start of b.
// Free-format and reserved values are rejected.
func ParseMPEGAudioHeader(b []byte) (MPEGAudioHeader, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return MPEGAudioHeader{}, false
	}
	versionBits := b[1] >> 3 & 0x03
	layerBits := b[1] >> 1 & 0x03
	rateIdx := int(b[2] >> 2 & 0x03)
	brIdx := int(b[2] >> 4)
	if versionBits == 1 || layerBits == 0 || rateIdx == 3 || brIdx == 0 || brIdx == 15 {
		return MPEGAudioHeader{}, false
	}

	h := MPEGAudioHeader{Layer: int(4 - layerBits), Channels: 2}
	if b[3]>>6 == 3 {
		h.Channels = 1
	}
	v := 0
	h.SampleRate = mpegSampleRates[rateIdx]
	switch versionBits {
	case 2: // MPEG-2
		v = 1
		h.SampleRate /= 2
	case 0: // MPEG-2.5
		v = 1
		h.SampleRate /= 4
	}
	bitrate := mpegBitrates[v][h.Layer-1][brIdx] * 1000
	pad := int(b[2] >> 1 & 0x01)

	switch {
	case h.Layer == 1:
		h.Samples = 384
		h.FrameLen = (12*bitrate/h.SampleRate + pad) * 4
	case h.Layer == 3 && v == 1:
		h.Samples = 576
		h.FrameLen = 72*bitrate/h.SampleRate + pad
	default:
		h.Samples = 1152
		h.FrameLen = 144*bitrate/h.SampleRate + pad
	}
	return h, true
}

// ParseMPEGAudio splits a PES payload into MPEG audio frames.
func ParseMPEGAudio(data []byte) []AudioFrame {
	var frames []AudioFrame
	for off := 0; len(data)-off >= 4; {
		h, ok := ParseMPEGAudioHeader(data[off:])
		if !ok || h.FrameLen < 4 {
			off++
			continue
		}
		if off+h.FrameLen > len(data) {
			break
		}
		frames = append(frames, AudioFrame{
			Data:       data[off : off+h.FrameLen],
			SampleRate: h.SampleRate,
			Channels:   h.Channels,
			Samples:    h.Samples,
		})
		off += h.FrameLen
	}
	return frames
}

// OpusSampleRate is the clock of Opus packet durations.
const OpusSampleRate = 48000

// ParseOpusAccessUnits splits a PES payload carrying Opus (ETSI TS 102 366
// style control headers, as muxed into MPEG-TS) into raw Opus packets.
func ParseOpusAccessUnits(data []byte, channels int) []AudioFrame {
	var frames []AudioFrame
	for off := 0; len(data)-off >= 3; {
		h := data[off:]
		// 11-bit 0x3FF control header prefix.
		if h[0] != 0x7F || h[1]&0xE0 != 0xE0 {
			break
		}
		startTrim := h[1]&0x10 != 0
		endTrim := h[1]&0x08 != 0
		ext := h[1]&0x04 != 0

		i := 2
		size := 0
		for i < len(h) {
			b := int(h[i])
			i++
			size += b
			if b != 0xFF {
				break
			}
		}
		if startTrim {
			i += 2
		}
		if endTrim {
			i += 2
		}
		if ext {
			if i >= len(h) {
				break
			}
			i += 1 + int(h[i])
		}
		if i+size > len(h) || size == 0 {
			break
		}
		pkt := h[i : i+size]
		frames = append(frames, AudioFrame{
			Data:       pkt,
			SampleRate: OpusSampleRate,
			Channels:   channels,
			Samples:    OpusPacketSamples(pkt),
		})
		off += i + size
	}
	return frames
}

// OpusPacketSamples returns the duration of an Opus packet in 48 kHz
// samples, derived from its TOC byte (RFC 6716 section 3.1).
func OpusPacketSamples(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}
	toc := pkt[0]
	config := int(toc >> 3)

	var frame int // in 48 kHz samples
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		frame = []int{480, 960, 1920, 2880}[config&3]
	case config < 16: // Hybrid: 10, 20 ms
		frame = []int{480, 960}[config&1]
	default: // CELT: 2.5, 5, 10, 20 ms
		frame = []int{120, 240, 480, 960}[config&3]
	}

	count := 1
	switch toc & 0x03 {
	case 1, 2:
		count = 2
	case 3:
		if len(pkt) < 2 {
			return 0
		}
		count = int(pkt[1] & 0x3F)
	}
	return frame * count
}
