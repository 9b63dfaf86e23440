// Package codec defines the decoder contracts the engine drives and a
// Chain that selects a decoder implementation per stream.
//
// Decoders follow a send/receive protocol: Send hands one compressed
// packet to the decoder, then Receive is called until it returns
// ErrNeedInput (the decoder wants another packet) or io.EOF (the decoder
// has been drained). Any other error is a decode failure for the current
// packet only.
package codec

import (
	"errors"
	"fmt"

	"github.com/zsiec/lens/internal/media"
)

// Decoder error classes. Implementations wrap these with detail.
var (
	ErrNeedInput   = errors.New("codec: decoder needs more input")
	ErrUnsupported = errors.New("codec: no decoder for codec")
	ErrAlloc       = errors.New("codec: decoder allocation failed")
	ErrConfig      = errors.New("codec: decoder configuration failed")
	ErrOpen        = errors.New("codec: decoder open failed")
)

// VideoDecoder decodes compressed video packets into raw frames.
type VideoDecoder interface {
	Send(pkt *media.Packet) error
	// Receive returns the next decoded frame. The frame's planes are only
	// valid until the next call to Send or Receive.
	Receive() (*media.VideoFrame, error)
	// Size returns the coded picture size known at open time, or zeros if
	// the decoder only learns it from the first frame.
	Size() (width, height int)
	Name() string
	Close() error
}

// AudioDecoder decodes compressed audio packets into float samples.
type AudioDecoder interface {
	Send(pkt *media.Packet) error
	// Receive returns the next decoded block. Samples are only valid until
	// the next call to Send or Receive.
	Receive() (*media.AudioFrame, error)
	Name() string
	Close() error
}

// Factory creates decoders for probed streams. Implementations return an
// error wrapping ErrUnsupported when they do not handle the stream's codec.
type Factory interface {
	NewVideoDecoder(info media.StreamInfo) (VideoDecoder, error)
	NewAudioDecoder(info media.StreamInfo) (AudioDecoder, error)
}

// Chain tries each factory in order and returns the first decoder that is
// not rejected with ErrUnsupported.
type Chain []Factory

// NewVideoDecoder implements Factory.
func (c Chain) NewVideoDecoder(info media.StreamInfo) (VideoDecoder, error) {
	for _, f := range c {
		dec, err := f.NewVideoDecoder(info)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return dec, err
	}
	return nil, fmt.Errorf("%w: video %q", ErrUnsupported, info.Codec)
}

// NewAudioDecoder implements Factory.
func (c Chain) NewAudioDecoder(info media.StreamInfo) (AudioDecoder, error) {
	for _, f := range c {
		dec, err := f.NewAudioDecoder(info)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return dec, err
	}
	return nil, fmt.Errorf("%w: audio %q", ErrUnsupported, info.Codec)
}

// Unsupported is an embeddable Factory that rejects every stream. Backends
// that only decode one media kind embed it for the other.
type Unsupported struct{}

// NewVideoDecoder implements Factory.
func (Unsupported) NewVideoDecoder(info media.StreamInfo) (VideoDecoder, error) {
	return nil, fmt.Errorf("%w: video %q", ErrUnsupported, info.Codec)
}

// NewAudioDecoder implements Factory.
func (Unsupported) NewAudioDecoder(info media.StreamInfo) (AudioDecoder, error) {
	return nil, fmt.Errorf("%w: audio %q", ErrUnsupported, info.Codec)
}
