package libav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

// Opener opens inputs with libavformat.
type Opener struct {
	Log *slog.Logger
}

// Open implements source.Opener. Network protocols get the connect timeout
// as their socket timeout; RTSP is forced onto TCP when opts.ForceTCP is
// set. Cancelling ctx interrupts a blocking open.
func (o *Opener) Open(ctx context.Context, rawURL string, opts source.Options) (source.Container, error) {
	if !Initialized() {
		return nil, fmt.Errorf("%w: %w", source.ErrOpen, ErrNotInitialized)
	}
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "libav")

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, fmt.Errorf("%w: allocating format context", source.ErrOpen)
	}
	ii := astiav.NewIOInterrupter()
	fc.SetIOInterrupter(ii)

	d := astiav.NewDictionary()
	defer d.Free()
	for k, v := range inputOptions(opts) {
		if err := d.Set(k, v, 0); err != nil {
			log.Debug("input option rejected", "key", k, "error", err)
		}
	}

	stop := context.AfterFunc(ctx, ii.Interrupt)
	err := fc.OpenInput(rawURL, nil, d)
	stop()
	if err != nil {
		fc.Free()
		ii.Free()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", source.ErrOpen, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %w", source.ErrOpen, rawURL, err)
	}
	ii.Resume()

	return &Container{
		fc:  fc,
		ii:  ii,
		log: log,
	}, nil
}

// inputOptions returns the demuxer and protocol options for opts.
func inputOptions(opts source.Options) map[string]string {
	m := map[string]string{}
	if opts.ForceTCP {
		m["rtsp_transport"] = "tcp"
	}
	if opts.ConnectTimeout > 0 {
		us := strconv.FormatInt(opts.ConnectTimeout.Microseconds(), 10)
		m["timeout"] = us
		m["rw_timeout"] = us
	}
	return m
}

// Container is an input opened by libavformat. Its methods must not be
// called concurrently, except Close.
type Container struct {
	fc  *astiav.FormatContext
	ii  *astiav.IOInterrupter
	log *slog.Logger

	// start is the container start time in microseconds, subtracted from
	// every timestamp so positions begin at zero.
	start int64
	// timeBases holds each stream's time base, indexed by stream index.
	timeBases []astiav.Rational

	closeOnce sync.Once
}

// Probe implements source.Container. StreamInfo.Native holds the stream's
// *astiav.CodecParameters.
func (c *Container) Probe(ctx context.Context) ([]media.StreamInfo, error) {
	stop := context.AfterFunc(ctx, c.ii.Interrupt)
	err := c.fc.FindStreamInfo(nil)
	stop()
	c.ii.Resume()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", source.ErrProbe, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", source.ErrProbe, err)
	}

	if st := c.fc.StartTime(); st != astiav.NoPtsValue {
		c.start = st
	}

	streams := c.fc.Streams()
	infos := make([]media.StreamInfo, 0, len(streams))
	c.timeBases = make([]astiav.Rational, len(streams))
	for _, s := range streams {
		c.timeBases[s.Index()] = s.TimeBase()
		infos = append(infos, streamInfo(s))
	}
	c.log.Debug("probed", "streams", len(infos), "start_us", c.start)
	return infos, nil
}

func streamInfo(s *astiav.Stream) media.StreamInfo {
	cp := s.CodecParameters()
	info := media.StreamInfo{
		Index:  s.Index(),
		Codec:  cp.CodecID().Name(),
		Native: cp,
	}
	switch cp.MediaType() {
	case astiav.MediaTypeVideo:
		info.Kind = media.KindVideo
		info.Width, info.Height = cp.Width(), cp.Height()
		info.AvgFrameRate = rational(s.AvgFrameRate())
		info.RealFrameRate = rational(s.RFrameRate())
	case astiav.MediaTypeAudio:
		info.Kind = media.KindAudio
		info.SampleRate = cp.SampleRate()
		info.Channels = cp.ChannelLayout().Channels()
	case astiav.MediaTypeData, astiav.MediaTypeSubtitle:
		info.Kind = media.KindData
	}
	return info
}

func rational(r astiav.Rational) media.Rational {
	return media.Rational{Num: r.Num(), Den: r.Den()}
}

// ReadPacket implements source.Container. Packet.Native holds the
// *astiav.Packet, which Release frees.
func (c *Container) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pkt := astiav.AllocPacket()
	stop := context.AfterFunc(ctx, c.ii.Interrupt)
	err := c.fc.ReadFrame(pkt)
	stop()
	c.ii.Resume()
	if err != nil {
		pkt.Free()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, astiav.ErrEof):
			return nil, io.EOF
		case errors.Is(err, astiav.ErrEagain):
			return nil, &timeoutError{err: err}
		}
		return nil, fmt.Errorf("libav: read: %w", err)
	}

	idx := pkt.StreamIndex()
	p := media.NewPacket(idx, pkt.Free)
	p.Data = pkt.Data()
	p.Keyframe = pkt.Flags().Has(astiav.PacketFlagKey)
	p.Native = pkt
	if idx >= 0 && idx < len(c.timeBases) {
		p.PTS = c.toDuration(pkt.Pts(), c.timeBases[idx])
		p.DTS = c.toDuration(pkt.Dts(), c.timeBases[idx])
	}
	return p, nil
}

// toDuration converts a stream timestamp to a position relative to the
// container start. Missing timestamps map to zero.
func (c *Container) toDuration(ts int64, tb astiav.Rational) time.Duration {
	if ts == astiav.NoPtsValue || tb.Den() == 0 {
		return 0
	}
	us := astiav.RescaleQ(ts, tb, astiav.NewRational(1, 1000000)) - c.start
	return time.Duration(us) * time.Microsecond
}

// Seek implements source.Container. It seeks to the keyframe at or before
// pos across all streams.
func (c *Container) Seek(ctx context.Context, pos time.Duration) error {
	ts := c.start + pos.Microseconds()
	stop := context.AfterFunc(ctx, c.ii.Interrupt)
	err := c.fc.SeekFrame(-1, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward))
	stop()
	c.ii.Resume()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", source.ErrNotSeekable, err)
	}
	c.log.Debug("seek", "position", pos)
	return nil
}

// Close implements source.Container. It is safe to call more than once.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		c.ii.Interrupt()
		c.fc.CloseInput()
		c.fc.Free()
		c.ii.Free()
	})
	return nil
}

// timeoutError marks a read that gave up waiting on the network.
type timeoutError struct{ err error }

func (e *timeoutError) Error() string { return "libav: read timed out: " + e.err.Error() }
func (e *timeoutError) Unwrap() error { return e.err }
func (e *timeoutError) Timeout() bool { return true }
