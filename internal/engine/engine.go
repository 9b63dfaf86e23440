// Package engine implements the demux/decode engine: it opens one input at
// a time, decodes its first video stream and optional first audio stream,
// converts pictures to RGB24 and audio to 44.1 kHz stereo S16, and hands
// both to an Observer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/convert"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

// DefaultFrameRate is reported when a stream carries no usable rate.
const DefaultFrameRate = 25.0

// Config wires an Engine to its collaborators.
type Config struct {
	// Opener opens inputs. Required.
	Opener source.Opener
	// Decoders creates decoders for probed streams. Required.
	Decoders codec.Factory
	// Observer receives notifications. Nil discards them.
	Observer Observer
	// Log is the parent logger. Nil uses slog.Default().
	Log *slog.Logger
	// Options overrides the transport settings. The zero value uses
	// source.DefaultOptions.
	Options source.Options
}

// Info is a snapshot of the open session. Stream indices are -1 and all
// other fields are zero when no session is open.
type Info struct {
	URL              string
	SessionID        string
	VideoStreamIndex int
	VideoWidth       int
	VideoHeight      int
	FrameRate        float64
	VideoCodec       string
	HasAudio         bool
	AudioStreamIndex int
	AudioSampleRate  int
	AudioChannels    int
	AudioCodec       string
}

func emptyInfo() Info {
	return Info{VideoStreamIndex: -1, AudioStreamIndex: -1}
}

// Stats are cumulative delivery counters across sessions.
type Stats struct {
	Packets      int64
	Frames       int64
	AudioBytes   int64
	Captions     int64
	DecodeErrors int64
}

// Engine is the demux/decode state machine. Open, Close, ReadFrame and
// Seek are serialised; status accessors never block on I/O.
type Engine struct {
	log      *slog.Logger
	opener   source.Opener
	decoders codec.Factory
	obs      Observer
	opts     source.Options

	// ioMu serialises operations that touch the session.
	ioMu sync.Mutex
	sess *session

	// mu guards the observable snapshot. It is never held across I/O or
	// notifications.
	mu        sync.Mutex
	status    Status
	info      Info
	lastErr   string
	lastImage *media.Image

	packets      atomic.Int64
	frames       atomic.Int64
	audioBytes   atomic.Int64
	captions     atomic.Int64
	decodeErrors atomic.Int64
}

// New creates an Engine in the Stopped state.
func New(cfg Config) (*Engine, error) {
	if cfg.Opener == nil {
		return nil, errors.New("engine: Opener is required")
	}
	if cfg.Decoders == nil {
		return nil, errors.New("engine: Decoders is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = ObserverFuncs{}
	}
	opts := cfg.Options
	if opts == (source.Options{}) {
		opts = source.DefaultOptions()
	}
	return &Engine{
		log:      log.With("component", "engine"),
		opener:   cfg.Opener,
		decoders: cfg.Decoders,
		obs:      obs,
		opts:     opts,
		status:   StatusStopped,
		info:     emptyInfo(),
	}, nil
}

// Open opens rawURL and prepares its first video stream and, when present,
// its first audio stream for decoding. It fails with KindAlreadyOpen while
// a session is Connecting or Playing; any other session is replaced.
func (e *Engine) Open(ctx context.Context, rawURL string) error {
	e.mu.Lock()
	if e.status == StatusPlaying || e.status == StatusConnecting {
		err := &Error{Kind: KindAlreadyOpen, Op: "open"}
		e.lastErr = err.Error()
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if e.sess != nil {
		e.sess.release()
		e.sess = nil
	}

	id := uuid.NewString()
	log := e.log.With("session", id, "url", rawURL)
	e.setStatus(StatusConnecting, emptyInfo(), nil)
	log.Info("opening input")

	s := newSession(id, rawURL, log)
	info, err := e.build(ctx, s)
	if err != nil {
		s.release()
		e.fail(err)
		log.Error("open failed", "error", err)
		return err
	}

	e.sess = s
	e.setStatus(StatusPlaying, info, nil)
	log.Info("input open",
		"video", info.VideoCodec,
		"size", fmt.Sprintf("%dx%d", info.VideoWidth, info.VideoHeight),
		"fps", info.FrameRate,
		"audio", info.AudioCodec)
	if info.HasAudio {
		e.obs.AudioFormatChanged(convert.OutputSampleRate, convert.OutputChannels)
	}
	return nil
}

// build performs the fallible steps of Open, filling s as it goes so the
// caller can release whatever was allocated.
func (e *Engine) build(ctx context.Context, s *session) (Info, error) {
	info := emptyInfo()
	info.URL = s.url
	info.SessionID = s.id

	c, err := e.opener.Open(ctx, s.url, e.opts)
	if err != nil {
		return info, &Error{Kind: KindOpenFailed, Op: "open input", Err: err}
	}
	s.container = c

	streams, err := c.Probe(ctx)
	if err != nil {
		return info, &Error{Kind: KindProbeFailed, Op: "probe", Err: err}
	}
	s.streams = streams

	var video, audio *media.StreamInfo
	for i := range streams {
		switch streams[i].Kind {
		case media.KindVideo:
			if video == nil {
				video = &streams[i]
			}
		case media.KindAudio:
			if audio == nil {
				audio = &streams[i]
			}
		}
	}
	if video == nil {
		return info, &Error{Kind: KindNoVideoStream, Op: "select stream", Err: fmt.Errorf("%d streams probed", len(streams))}
	}
	s.videoIndex = video.Index

	vdec, err := e.decoders.NewVideoDecoder(*video)
	if err != nil {
		return info, &Error{Kind: decoderKind(err), Op: "open video decoder", Err: err}
	}
	s.video = vdec

	width, height := vdec.Size()
	if width <= 0 || height <= 0 {
		width, height = video.Width, video.Height
	}
	scaler, err := convert.NewScaler(width, height)
	if err != nil {
		return info, &Error{Kind: KindConversionContextFailed, Op: "create scaler", Err: err}
	}
	s.scaler = scaler
	s.image = media.NewImage(width, height)

	info.VideoStreamIndex = video.Index
	info.VideoWidth, info.VideoHeight = width, height
	info.FrameRate = frameRate(*video)
	info.VideoCodec = vdec.Name()

	if audio == nil {
		s.log.Info("no audio stream, continuing video only")
		return info, nil
	}
	adec, err := e.decoders.NewAudioDecoder(*audio)
	if err != nil {
		s.log.Warn("audio decoder unavailable, continuing video only", "codec", audio.Codec, "error", err)
		return info, nil
	}
	s.audio = adec
	s.audioIndex = audio.Index
	s.resampler = convert.NewResampler()

	info.HasAudio = true
	info.AudioStreamIndex = audio.Index
	info.AudioSampleRate = audio.SampleRate
	info.AudioChannels = audio.Channels
	info.AudioCodec = adec.Name()
	return info, nil
}

// frameRate prefers the average rate, then the real base rate.
func frameRate(info media.StreamInfo) float64 {
	if r := info.AvgFrameRate.Float(); r > 0 {
		return r
	}
	if r := info.RealFrameRate.Float(); r > 0 {
		return r
	}
	return DefaultFrameRate
}

func decoderKind(err error) Kind {
	switch {
	case errors.Is(err, codec.ErrUnsupported):
		return KindUnsupportedCodec
	case errors.Is(err, codec.ErrAlloc):
		return KindDecoderAllocFailed
	case errors.Is(err, codec.ErrConfig):
		return KindDecoderConfigFailed
	default:
		return KindDecoderOpenFailed
	}
}

// Close releases the session and moves to Stopped. It is a no-op when
// already Stopped.
func (e *Engine) Close() {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	e.mu.Lock()
	stopped := e.status == StatusStopped && e.sess == nil
	e.mu.Unlock()
	if stopped {
		return
	}

	if e.sess != nil {
		e.sess.log.Info("closing input")
		e.sess.release()
		e.sess = nil
	}
	e.setStatus(StatusStopped, emptyInfo(), nil)
}

// ReadFrame reads one packet and decodes it if it belongs to a selected
// stream, delivering every produced picture or audio block before
// returning. It returns false without error unless Playing, and
// (false, io.EOF) at the end of the input. Read failures are reported to
// the observer; a permanent failure also ends the session with
// StatusError. Decode failures abort the current packet only.
func (e *Engine) ReadFrame(ctx context.Context) (bool, error) {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if e.Status() != StatusPlaying || e.sess == nil {
		return false, nil
	}
	s := e.sess

	pkt, err := s.container.ReadPacket(ctx)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			s.log.Info("end of stream")
			return false, io.EOF
		case ctx.Err() != nil:
			return false, ctx.Err()
		case source.IsTemporary(err):
			rerr := &Error{Kind: KindReadFailed, Op: "read packet", Err: err}
			e.report(rerr)
			return false, rerr
		default:
			rerr := &Error{Kind: KindReadFailed, Op: "read packet", Err: err}
			s.log.Error("read failed", "error", err)
			s.release()
			e.sess = nil
			e.fail(rerr)
			return false, rerr
		}
	}
	defer pkt.Release()
	e.packets.Add(1)

	switch pkt.StreamIndex {
	case s.videoIndex:
		e.deliverCaptions(pkt)
		if err := e.decodeVideo(s, pkt); err != nil {
			return false, err
		}
	case s.audioIndex:
		if err := e.decodeAudio(s, pkt); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) decodeVideo(s *session, pkt *media.Packet) error {
	if err := s.video.Send(pkt); err != nil {
		return e.decodeFailed(&Error{Kind: KindDecodeSendFailed, Op: "send video packet", Err: err})
	}
	for {
		f, err := s.video.Receive()
		if errors.Is(err, codec.ErrNeedInput) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return e.decodeFailed(&Error{Kind: KindDecodeReceiveFailed, Op: "receive video frame", Err: err})
		}
		if err := s.scaler.Scale(s.image, f); err != nil {
			return e.decodeFailed(&Error{Kind: KindScaleFailed, Op: "scale frame", Err: err})
		}

		img := s.image.Clone()
		e.mu.Lock()
		e.lastImage = img
		e.mu.Unlock()

		e.frames.Add(1)
		e.obs.FrameReady(img)
	}
}

func (e *Engine) decodeAudio(s *session, pkt *media.Packet) error {
	if err := s.audio.Send(pkt); err != nil {
		return e.decodeFailed(&Error{Kind: KindDecodeSendFailed, Op: "send audio packet", Err: err})
	}
	for {
		f, err := s.audio.Receive()
		if errors.Is(err, codec.ErrNeedInput) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return e.decodeFailed(&Error{Kind: KindDecodeReceiveFailed, Op: "receive audio frame", Err: err})
		}

		need := s.resampler.OutputSamples(f) * convert.OutputFrameBytes
		if need <= 0 {
			return e.decodeFailed(&Error{
				Kind: KindBufferSizeFailed,
				Op:   "size audio buffer",
				Err:  fmt.Errorf("%d samples at %d Hz", f.SampleCount(), f.SampleRate),
			})
		}
		if cap(s.audioBuf) < need {
			s.audioBuf = make([]byte, need)
		}
		n, err := s.resampler.Convert(s.audioBuf[:need], f)
		if err != nil {
			return e.decodeFailed(&Error{Kind: KindResampleFailed, Op: "resample", Err: err})
		}
		if n == 0 {
			continue
		}

		pcm := make([]byte, n*convert.OutputFrameBytes)
		copy(pcm, s.audioBuf)
		e.audioBytes.Add(int64(len(pcm)))
		e.obs.AudioReady(pcm)
	}
}

func (e *Engine) deliverCaptions(pkt *media.Packet) {
	if len(pkt.Captions) == 0 {
		return
	}
	co, ok := e.obs.(CaptionObserver)
	if !ok {
		return
	}
	for _, c := range pkt.Captions {
		e.captions.Add(1)
		co.CaptionReady(c)
	}
}

func (e *Engine) decodeFailed(err *Error) error {
	e.decodeErrors.Add(1)
	e.report(err)
	return err
}

// Seek repositions the input to the keyframe at or before pos. It is a
// no-op without a session. Decoder state is kept, so the first pictures
// after a seek may show warm-up artefacts.
func (e *Engine) Seek(ctx context.Context, pos time.Duration) error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if e.sess == nil {
		return nil
	}
	if err := e.sess.container.Seek(ctx, max(0, pos)); err != nil {
		e.sess.log.Warn("seek failed", "position", pos, "error", err)
		return fmt.Errorf("engine: seek to %v: %w", pos, err)
	}
	e.sess.log.Debug("seek", "position", pos)
	return nil
}

// SeekSeconds is Seek with a position in seconds.
func (e *Engine) SeekSeconds(ctx context.Context, seconds float64) error {
	return e.Seek(ctx, time.Duration(seconds*float64(time.Second)))
}

// Pause moves Playing to Paused. Reading is not stopped by the engine;
// ReadFrame simply does nothing while Paused.
func (e *Engine) Pause() {
	e.transition(StatusPlaying, StatusPaused)
}

// Resume moves Paused to Playing.
func (e *Engine) Resume() {
	e.transition(StatusPaused, StatusPlaying)
}

func (e *Engine) transition(from, to Status) {
	e.mu.Lock()
	if e.status != from {
		e.mu.Unlock()
		return
	}
	e.status = to
	e.mu.Unlock()
	e.obs.StatusChanged(to)
}

// setStatus replaces status and info and notifies on change. A non-nil
// lastErr is recorded as the last error message.
func (e *Engine) setStatus(s Status, info Info, lastErr error) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.info = info
	if info.VideoStreamIndex < 0 {
		e.lastImage = nil
	}
	if lastErr != nil {
		e.lastErr = lastErr.Error()
	}
	e.mu.Unlock()

	if changed {
		e.obs.StatusChanged(s)
	}
}

// fail ends the session with StatusError.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.lastErr = err.Error()
	e.mu.Unlock()
	e.obs.ErrorOccurred(err)
	e.setStatus(StatusError, emptyInfo(), nil)
}

// report surfaces a per-call error without changing status.
func (e *Engine) report(err error) {
	e.mu.Lock()
	e.lastErr = err.Error()
	e.mu.Unlock()
	e.log.Warn("engine error", "error", err)
	e.obs.ErrorOccurred(err)
}

// Status returns the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastError returns the message of the most recent error, or "".
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Info returns a snapshot of the session.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// CurrentFrame returns a copy of the last delivered picture, or nil when
// none has been delivered in this session.
func (e *Engine) CurrentFrame() *media.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastImage.Clone()
}

// Stats returns cumulative delivery counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Packets:      e.packets.Load(),
		Frames:       e.frames.Load(),
		AudioBytes:   e.audioBytes.Load(),
		Captions:     e.captions.Load(),
		DecodeErrors: e.decodeErrors.Load(),
	}
}

// Session accessors. Each returns the zero value (or -1 for stream
// indices) when no session is open.

func (e *Engine) VideoWidth() int { return e.Info().VideoWidth }
func (e *Engine) VideoHeight() int { return e.Info().VideoHeight }
func (e *Engine) FrameRate() float64 { return e.Info().FrameRate }
func (e *Engine) VideoCodec() string { return e.Info().VideoCodec }
func (e *Engine) HasAudio() bool { return e.Info().HasAudio }
func (e *Engine) AudioStreamIndex() int { return e.Info().AudioStreamIndex }
func (e *Engine) AudioSampleRate() int { return e.Info().AudioSampleRate }
func (e *Engine) AudioChannels() int { return e.Info().AudioChannels }
func (e *Engine) AudioCodec() string { return e.Info().AudioCodec }
func (e *Engine) VideoStreamIndex() int { return e.Info().VideoStreamIndex }
