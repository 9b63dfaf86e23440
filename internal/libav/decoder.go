package libav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/media"
)

// Decoders is a codec.Factory backed by libavcodec. Streams probed by this
// package's Container are configured from their codec parameters; streams
// from other containers are matched by codec name and configured from the
// bitstream.
type Decoders struct {
	Log *slog.Logger
	// Threads is the decoder thread count. Zero lets libavcodec choose.
	Threads int
}

// NewVideoDecoder implements codec.Factory.
func (f *Decoders) NewVideoDecoder(info media.StreamInfo) (codec.VideoDecoder, error) {
	cc, name, err := f.open(info)
	if err != nil {
		return nil, err
	}
	return &videoDecoder{
		base:  newBase(cc, name, f.logger(name)),
		width: cc.Width(), height: cc.Height(),
	}, nil
}

// NewAudioDecoder implements codec.Factory.
func (f *Decoders) NewAudioDecoder(info media.StreamInfo) (codec.AudioDecoder, error) {
	cc, name, err := f.open(info)
	if err != nil {
		return nil, err
	}
	return &audioDecoder{base: newBase(cc, name, f.logger(name))}, nil
}

func (f *Decoders) logger(name string) *slog.Logger {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", "libav-decoder", "codec", name)
}

// open finds, configures and opens a decoder for info.
func (f *Decoders) open(info media.StreamInfo) (*astiav.CodecContext, string, error) {
	if !Initialized() {
		return nil, "", fmt.Errorf("%w: %q: %w", codec.ErrUnsupported, info.Codec, ErrNotInitialized)
	}

	cp, native := info.Native.(*astiav.CodecParameters)
	var dec *astiav.Codec
	if native {
		dec = astiav.FindDecoder(cp.CodecID())
	} else if info.Codec != "" {
		dec = astiav.FindDecoderByName(info.Codec)
	}
	if dec == nil {
		return nil, "", fmt.Errorf("%w: %q", codec.ErrUnsupported, info.Codec)
	}

	cc := astiav.AllocCodecContext(dec)
	if cc == nil {
		return nil, "", fmt.Errorf("%w: %s", codec.ErrAlloc, dec.Name())
	}
	if native {
		if err := cp.ToCodecContext(cc); err != nil {
			cc.Free()
			return nil, "", fmt.Errorf("%w: %s: %w", codec.ErrConfig, dec.Name(), err)
		}
	} else {
		configure(cc, info)
	}
	if f.Threads > 0 {
		cc.SetThreadCount(f.Threads)
	}

	if err := cc.Open(dec, nil); err != nil {
		cc.Free()
		return nil, "", fmt.Errorf("%w: %s: %w", codec.ErrOpen, dec.Name(), err)
	}
	return cc, dec.Name(), nil
}

// configure fills in what a foreign container knows about a stream.
// Everything else is read from the bitstream.
func configure(cc *astiav.CodecContext, info media.StreamInfo) {
	switch info.Kind {
	case media.KindVideo:
		cc.SetWidth(info.Width)
		cc.SetHeight(info.Height)
	case media.KindAudio:
		if info.SampleRate > 0 {
			cc.SetSampleRate(info.SampleRate)
		}
		switch info.Channels {
		case 1:
			cc.SetChannelLayout(astiav.ChannelLayoutMono)
		case 2:
			cc.SetChannelLayout(astiav.ChannelLayoutStereo)
		case 6:
			cc.SetChannelLayout(astiav.ChannelLayout5Point1)
		}
	}
}

// base holds the send side shared by the audio and video decoders.
type base struct {
	cc    *astiav.CodecContext
	name  string
	log   *slog.Logger
	pkt   *astiav.Packet
	frame *astiav.Frame
	// lastPTS is used for frames the decoder returns without a timestamp.
	lastPTS time.Duration
}

func newBase(cc *astiav.CodecContext, name string, log *slog.Logger) base {
	return base{
		cc:    cc,
		name:  name,
		log:   log,
		pkt:   astiav.AllocPacket(),
		frame: astiav.AllocFrame(),
	}
}

// Send hands pkt to the decoder. Timestamps are passed through in
// microseconds so decoded frames carry the packet position. A nil pkt
// starts draining.
func (b *base) Send(pkt *media.Packet) error {
	if pkt == nil {
		if err := b.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return fmt.Errorf("libav: %s: drain: %w", b.name, err)
		}
		return nil
	}

	p, ok := pkt.Native.(*astiav.Packet)
	if !ok {
		b.pkt.Unref()
		if err := b.pkt.FromData(pkt.Data); err != nil {
			return fmt.Errorf("libav: %s: packet: %w", b.name, err)
		}
		if pkt.Keyframe {
			b.pkt.SetFlags(b.pkt.Flags().Add(astiav.PacketFlagKey))
		}
		p = b.pkt
	}
	p.SetPts(pkt.PTS.Microseconds())
	p.SetDts(pkt.DTS.Microseconds())
	b.lastPTS = pkt.PTS

	if err := b.cc.SendPacket(p); err != nil {
		return fmt.Errorf("libav: %s: send: %w", b.name, err)
	}
	return nil
}

// receive pulls the next frame into b.frame.
func (b *base) receive() error {
	b.frame.Unref()
	err := b.cc.ReceiveFrame(b.frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return codec.ErrNeedInput
	case errors.Is(err, astiav.ErrEof):
		return io.EOF
	}
	return fmt.Errorf("libav: %s: decode: %w", b.name, err)
}

func (b *base) framePTS() time.Duration {
	if pts := b.frame.Pts(); pts != astiav.NoPtsValue {
		return time.Duration(pts) * time.Microsecond
	}
	return b.lastPTS
}

func (b *base) Name() string { return b.name }

func (b *base) close() {
	if b.cc == nil {
		return
	}
	b.frame.Free()
	b.pkt.Free()
	b.cc.Free()
	b.cc = nil
}

// videoDecoder normalizes every picture to tightly packed 4:2:0 planar.
type videoDecoder struct {
	base
	width, height int

	sws    *astiav.SoftwareScaleContext
	scaled *astiav.Frame
	swsKey [3]int

	buf []byte
	out media.VideoFrame
}

// Size implements codec.VideoDecoder.
func (d *videoDecoder) Size() (int, int) { return d.width, d.height }

// Receive implements codec.VideoDecoder.
func (d *videoDecoder) Receive() (*media.VideoFrame, error) {
	if err := d.receive(); err != nil {
		return nil, err
	}
	src := d.frame
	w, h := src.Width(), src.Height()
	format := media.PixelFormatI420
	switch {
	case src.PixelFormat() == astiav.PixelFormatYuvj420P,
		src.PixelFormat() == astiav.PixelFormatYuv420P && src.ColorRange() == astiav.ColorRangeJpeg:
		format = media.PixelFormatJ420
	case src.PixelFormat() != astiav.PixelFormatYuv420P:
		scaled, err := d.scale(src)
		if err != nil {
			return nil, err
		}
		src = scaled
	}

	n, err := src.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("libav: %s: image size: %w", d.name, err)
	}
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	d.buf = d.buf[:n]
	if _, err := src.ImageCopyToBuffer(d.buf, 1); err != nil {
		return nil, fmt.Errorf("libav: %s: image copy: %w", d.name, err)
	}

	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	if n < ySize+2*cSize {
		return nil, fmt.Errorf("libav: %s: short image buffer %d for %dx%d", d.name, n, w, h)
	}
	d.out = media.VideoFrame{
		Planes:   [][]byte{d.buf[:ySize], d.buf[ySize : ySize+cSize], d.buf[ySize+cSize : ySize+2*cSize]},
		Strides:  []int{w, cw, cw},
		Width:    w,
		Height:   h,
		Format:   format,
		PTS:      d.framePTS(),
		Keyframe: d.frame.PictureType() == astiav.PictureTypeI,
	}
	d.width, d.height = w, h
	return &d.out, nil
}

// scale converts src to YUV 4:2:0, rebuilding the scaler when the source
// geometry or format changes.
func (d *videoDecoder) scale(src *astiav.Frame) (*astiav.Frame, error) {
	key := [3]int{src.Width(), src.Height(), int(src.PixelFormat())}
	if d.sws == nil || key != d.swsKey {
		d.freeScaler()
		sws, err := astiav.CreateSoftwareScaleContext(
			key[0], key[1], src.PixelFormat(),
			key[0], key[1], astiav.PixelFormatYuv420P,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return nil, fmt.Errorf("libav: %s: scaler for %s: %w", d.name, src.PixelFormat(), err)
		}
		dst := astiav.AllocFrame()
		dst.SetWidth(key[0])
		dst.SetHeight(key[1])
		dst.SetPixelFormat(astiav.PixelFormatYuv420P)
		if err := dst.AllocBuffer(1); err != nil {
			dst.Free()
			sws.Free()
			return nil, fmt.Errorf("libav: %s: scaler buffer: %w", d.name, err)
		}
		d.sws, d.scaled, d.swsKey = sws, dst, key
		d.log.Debug("scaler ready", "size", fmt.Sprintf("%dx%d", key[0], key[1]), "from", src.PixelFormat().String())
	}
	if err := d.sws.ScaleFrame(src, d.scaled); err != nil {
		return nil, fmt.Errorf("libav: %s: scale: %w", d.name, err)
	}
	return d.scaled, nil
}

func (d *videoDecoder) freeScaler() {
	if d.scaled != nil {
		d.scaled.Free()
		d.scaled = nil
	}
	if d.sws != nil {
		d.sws.Free()
		d.sws = nil
	}
}

// Close implements codec.VideoDecoder.
func (d *videoDecoder) Close() error {
	d.freeScaler()
	d.close()
	return nil
}

// audioDecoder converts every block to interleaved float32 at the source
// rate and channel count.
type audioDecoder struct {
	base
	swr *astiav.SoftwareResampleContext
	flt *astiav.Frame
	out media.AudioFrame
}

// Receive implements codec.AudioDecoder.
func (d *audioDecoder) Receive() (*media.AudioFrame, error) {
	if err := d.receive(); err != nil {
		return nil, err
	}
	src := d.frame
	if src.SampleFormat() != astiav.SampleFormatFlt {
		converted, err := d.convert(src)
		if err != nil {
			return nil, err
		}
		src = converted
	}

	channels := src.ChannelLayout().Channels()
	if channels <= 0 {
		return nil, fmt.Errorf("libav: %s: frame without channels", d.name)
	}
	raw, err := src.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("libav: %s: samples: %w", d.name, err)
	}
	n := min(src.NbSamples()*channels, len(raw)/4)

	samples := d.out.Samples[:0]
	for i := range n {
		samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	d.out = media.AudioFrame{
		Samples:    samples,
		SampleRate: src.SampleRate(),
		Channels:   channels,
		PTS:        d.framePTS(),
	}
	return &d.out, nil
}

// convert resamples src to packed float at the same rate and layout.
func (d *audioDecoder) convert(src *astiav.Frame) (*astiav.Frame, error) {
	if d.swr == nil {
		d.swr = astiav.AllocSoftwareResampleContext()
		d.flt = astiav.AllocFrame()
		d.log.Debug("resampler ready", "from", src.SampleFormat().Name(), "rate", src.SampleRate())
	}
	d.flt.Unref()
	d.flt.SetChannelLayout(src.ChannelLayout())
	d.flt.SetSampleRate(src.SampleRate())
	d.flt.SetSampleFormat(astiav.SampleFormatFlt)
	d.flt.SetNbSamples(src.NbSamples())
	if err := d.flt.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("libav: %s: sample buffer: %w", d.name, err)
	}
	if err := d.swr.ConvertFrame(src, d.flt); err != nil {
		return nil, fmt.Errorf("libav: %s: convert samples: %w", d.name, err)
	}
	return d.flt, nil
}

// Close implements codec.AudioDecoder.
func (d *audioDecoder) Close() error {
	if d.swr != nil {
		d.swr.Free()
		d.flt.Free()
		d.swr, d.flt = nil, nil
	}
	d.close()
	return nil
}
