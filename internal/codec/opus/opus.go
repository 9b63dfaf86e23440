// Package opus decodes Opus audio through libopus. Output is always at
// 48 kHz, the Opus clock.
package opus

import (
	"fmt"

	libopus "gopkg.in/hraban/opus.v2"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/media"
)

// Codec is the stream codec name this package decodes.
const Codec = "opus"

// SampleRate is the decoder output rate.
const SampleRate = 48000

// maxFrameSamples is the longest Opus packet, 120 ms, per channel.
const maxFrameSamples = SampleRate * 120 / 1000

// Decoders is a codec.Factory for mono and stereo Opus streams.
type Decoders struct {
	codec.Unsupported
}

// NewAudioDecoder implements codec.Factory. Streams with more than two
// channels use multistream coupling and are rejected.
func (Decoders) NewAudioDecoder(info media.StreamInfo) (codec.AudioDecoder, error) {
	if info.Codec != Codec {
		return nil, fmt.Errorf("%w: audio %q", codec.ErrUnsupported, info.Codec)
	}
	channels := info.Channels
	if channels == 0 {
		channels = 2
	}
	if channels > 2 {
		return nil, fmt.Errorf("%w: opus with %d channels", codec.ErrUnsupported, channels)
	}
	dec, err := libopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: opus: %w", codec.ErrOpen, err)
	}
	return &decoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]float32, maxFrameSamples*channels),
	}, nil
}

type decoder struct {
	dec      *libopus.Decoder
	channels int
	pcm      []float32
	pending  bool
	frame    media.AudioFrame
}

func (d *decoder) Send(pkt *media.Packet) error {
	n, err := d.dec.DecodeFloat32(pkt.Data, d.pcm)
	if err != nil {
		return fmt.Errorf("opus: decode: %w", err)
	}
	d.frame = media.AudioFrame{
		Samples:    d.pcm[:n*d.channels],
		SampleRate: SampleRate,
		Channels:   d.channels,
		PTS:        pkt.PTS,
	}
	d.pending = n > 0
	return nil
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
	d.pending = false
	return nil
}
