// Package mp3 decodes MPEG-1 Layer III audio in pure Go. Each packet is
// one frame as split by the transport stream demuxer.
package mp3

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/demux"
	"github.com/zsiec/lens/internal/media"
)

// Codec is the stream codec name this package decodes.
const Codec = "mp3"

// reservoirFrames is how many earlier frames are replayed in front of each
// packet. Layer III main data may start up to 511 bytes back, which two
// frames always cover.
const reservoirFrames = 2

// Decoders is a codec.Factory for MP3 audio streams.
type Decoders struct {
	codec.Unsupported
}

// NewAudioDecoder implements codec.Factory.
func (Decoders) NewAudioDecoder(info media.StreamInfo) (codec.AudioDecoder, error) {
	if info.Codec != Codec {
		return nil, fmt.Errorf("%w: audio %q", codec.ErrUnsupported, info.Codec)
	}
	return &decoder{}, nil
}

type decoder struct {
	reservoir [][]byte
	pending   bool
	samples   []float32
	frame     media.AudioFrame
}

func (d *decoder) Send(pkt *media.Packet) error {
	h, ok := demux.ParseMPEGAudioHeader(pkt.Data)
	if !ok || h.Layer != 3 {
		return fmt.Errorf("mp3: packet is not a Layer III frame")
	}

	var in bytes.Buffer
	for _, f := range d.reservoir {
		in.Write(f)
	}
	in.Write(pkt.Data)
	frames := len(d.reservoir) + 1
	d.keep(pkt.Data)

	dec, err := gomp3.NewDecoder(bytes.NewReader(in.Bytes()))
	if err != nil {
		return fmt.Errorf("mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("mp3: decode: %w", err)
	}
	// Output is 16-bit stereo and the same length for every frame of a
	// stream; only the last frame's share is new.
	per := len(pcm) / frames
	pcm = pcm[len(pcm)-per:]

	n := len(pcm) / 2
	if cap(d.samples) < n {
		d.samples = make([]float32, n)
	}
	d.samples = d.samples[:n]
	for i := range d.samples {
		d.samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}
	d.frame = media.AudioFrame{
		Samples:    d.samples,
		SampleRate: dec.SampleRate(),
		Channels:   2,
		PTS:        pkt.PTS,
	}
	d.pending = n > 0
	return nil
}

// keep appends a copy of frame to the reservoir, dropping the oldest.
func (d *decoder) keep(frame []byte) {
	if len(d.reservoir) == reservoirFrames {
		copy(d.reservoir, d.reservoir[1:])
		d.reservoir = d.reservoir[:reservoirFrames-1]
	}
	d.reservoir = append(d.reservoir, append([]byte(nil), frame...))
}

func (d *decoder) Receive() (*media.AudioFrame, error) {
	if !d.pending {
		return nil, codec.ErrNeedInput
	}
	d.pending = false
	return &d.frame, nil
}

func (d *decoder) Name() string { return Codec }

func (d *decoder) Close() error {
	d.reservoir = nil
	d.pending = false
	return nil
}
