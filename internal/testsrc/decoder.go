package testsrc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/media"
)

// Decoders decodes the uncompressed codecs produced by Container. It
// implements codec.Factory and rejects every other codec.
type Decoders struct{}

// NewVideoDecoder implements codec.Factory.
func (Decoders) NewVideoDecoder(info media.StreamInfo) (codec.VideoDecoder, error) {
	if info.Codec != VideoCodec {
		return nil, fmt.Errorf("%w: video %q", codec.ErrUnsupported, info.Codec)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: rawvideo needs dimensions, got %dx%d", codec.ErrConfig, info.Width, info.Height)
	}
	return &rawVideo{width: info.Width, height: info.Height}, nil
}

// NewAudioDecoder implements codec.Factory.
func (Decoders) NewAudioDecoder(info media.StreamInfo) (codec.AudioDecoder, error) {
	if info.Codec != AudioCodec {
		return nil, fmt.Errorf("%w: audio %q", codec.ErrUnsupported, info.Codec)
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, fmt.Errorf("%w: pcm needs a sample format, got %d Hz x%d", codec.ErrConfig, info.SampleRate, info.Channels)
	}
	return &pcmFloat{rate: info.SampleRate, channels: info.Channels}, nil
}

// rawVideo passes packed I420 pictures through as frames.
type rawVideo struct {
	width, height int
	pending       *media.Packet
	frame         media.VideoFrame
}

func (d *rawVideo) Send(pkt *media.Packet) error {
	if want := media.I420Size(d.width, d.height); len(pkt.Data) != want {
		return fmt.Errorf("rawvideo: packet is %d bytes, want %d", len(pkt.Data), want)
	}
	d.pending = pkt
	return nil
}

func (d *rawVideo) Receive() (*media.VideoFrame, error) {
	if d.pending == nil {
		return nil, codec.ErrNeedInput
	}
	pkt := d.pending
	d.pending = nil

	w, h := d.width, d.height
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	d.frame = media.VideoFrame{
		Planes: [][]byte{
			pkt.Data[:ySize],
			pkt.Data[ySize : ySize+cSize],
			pkt.Data[ySize+cSize : ySize+2*cSize],
		},
		Strides:  []int{w, cw, cw},
		Width:    w,
		Height:   h,
		Format:   media.PixelFormatI420,
		PTS:      pkt.PTS,
		Keyframe: pkt.Keyframe,
	}
	return &d.frame, nil
}

func (d *rawVideo) Size() (int, int) { return d.width, d.height }
func (d *rawVideo) Name() string     { return VideoCodec }
func (d *rawVideo) Close() error     { d.pending = nil; return nil }

// pcmFloat decodes interleaved little-endian float32 samples.
type pcmFloat struct {
	rate, channels int
	pending        *media.Packet
	samples        []float32
	frame          media.AudioFrame
}

func (d *pcmFloat) Send(pkt *media.Packet) error {
	if len(pkt.Data)%(4*d.channels) != 0 {
		return fmt.Errorf("pcm_f32le: packet of %d bytes is not whole samples", len(pkt.Data))
	}
	d.pending = pkt
	return nil
}

func (d *pcmFloat) Receive() (*media.AudioFrame, error) {
	if d.pending == nil {
		return nil, codec.ErrNeedInput
	}
	pkt := d.pending
	d.pending = nil

	n := len(pkt.Data) / 4
	if cap(d.samples) < n {
		d.samples = make([]float32, n)
	}
	d.samples = d.samples[:n]
	for i := range d.samples {
		d.samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pkt.Data[i*4:]))
	}
	d.frame = media.AudioFrame{
		Samples:    d.samples,
		SampleRate: d.rate,
		Channels:   d.channels,
		PTS:        pkt.PTS,
	}
	return &d.frame, nil
}

func (d *pcmFloat) Name() string { return AudioCodec }
func (d *pcmFloat) Close() error { d.pending = nil; return nil }
