package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/lens/internal/ingest"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/mpegts"
	"github.com/zsiec/lens/internal/source"
)

const (
	ptsClock = 90000
	ptsWrap  = int64(1) << 33

	// defaultProbeBytes bounds how much input Probe reads looking for
	// codec parameters.
	defaultProbeBytes = 8 << 20
)

// Stats counts what a Container has demuxed.
type Stats struct {
	VideoPackets int64 `json:"videoPackets"`
	AudioPackets int64 `json:"audioPackets"`
	Keyframes    int64 `json:"keyframes"`
	Captions     int64 `json:"captions"`
	Bytes        int64 `json:"bytes"`
	Resyncs      int64 `json:"resyncs"`
}

// Option configures a Container.
type Option func(*Container)

// WithPacketSize sets the transport packet size (mpegts.PacketSizeTS,
// PacketSizeM2TS or PacketSizeRS).
func WithPacketSize(size int) Option {
	return func(c *Container) { c.pktSize = size }
}

// WithProbeBytes bounds how much input Probe may consume.
func WithProbeBytes(n int64) Option {
	return func(c *Container) { c.probeBytes = n }
}

// Container demuxes an MPEG transport stream into media packets. Video
// packets carry one access unit in Annex B form; audio PES payloads are
// split into one packet per codec frame. Timestamps are relative to the
// first timestamp seen while probing.
//
// When the input implements io.Seeker and io.ReaderAt, Seek bisects the
// file by PTS. Container is not safe for concurrent use.
type Container struct {
	log        *slog.Logger
	in         io.Reader
	pktSize    int
	probeBytes int64
	seekWindow int64

	ctx    context.Context
	cancel context.CancelFunc
	dmx    *mpegts.Demuxer

	tracks    []*track
	byPID     map[uint16]*track
	video     *track
	program   uint16
	pmtSeen   bool
	probed    bool
	dataStart int64

	startPTS  int64
	haveStart bool

	queue    []*media.Packet
	captions *captionDecoder
	closed   bool

	videoPackets atomic.Int64
	audioPackets atomic.Int64
	keyframes    atomic.Int64
	captionCount atomic.Int64
	bytes        atomic.Int64
	resyncs      atomic.Int64
}

// NewContainer creates a Container reading from r. If r implements
// io.Closer, Close closes it. If log is nil, slog.Default() is used.
func NewContainer(r io.Reader, log *slog.Logger, opts ...Option) *Container {
	if log == nil {
		log = slog.Default()
	}
	c := &Container{
		log:        log.With("component", "demux"),
		in:         r,
		pktSize:    mpegts.PacketSizeTS,
		probeBytes: defaultProbeBytes,
		seekWindow: 512 << 10,
		byPID:      make(map[uint16]*track),
		captions:   newCaptionDecoder(),
		dataStart:  -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.dmx = mpegts.NewDemuxer(c.ctx, r, mpegts.DemuxerOptPacketSize(c.pktSize))
	return c
}

// Probe reads until the PMT and the codec parameters of every selected
// stream are known, queueing the packets it reads for ReadPacket.
func (c *Container) Probe(ctx context.Context) ([]media.StreamInfo, error) {
	if c.probed {
		return c.streams(), nil
	}
	for !c.probeDone() {
		if c.dmx.Offset() >= c.probeBytes {
			c.log.Debug("probe limit reached", "bytes", c.dmx.Offset())
			break
		}
		data, err := c.next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", source.ErrProbe, err)
		}
		c.handle(data)
	}
	if !c.pmtSeen {
		return nil, fmt.Errorf("%w: no program map table in first %d bytes", source.ErrProbe, c.dmx.Offset())
	}
	c.probed = true

	if c.video != nil && c.video.info.AvgFrameRate.Float() == 0 {
		c.video.info.RealFrameRate = estimateFrameRate(c.video.pts)
	}
	streams := c.streams()
	for _, s := range streams {
		c.log.Info("stream", "index", s.Index, "kind", s.Kind, "codec", s.Codec,
			"width", s.Width, "height", s.Height, "sample_rate", s.SampleRate, "channels", s.Channels)
	}
	return streams, nil
}

func (c *Container) probeDone() bool {
	if !c.pmtSeen {
		return false
	}
	for _, t := range c.tracks {
		if !t.ready {
			return false
		}
	}
	return c.video == nil || len(c.video.pts) >= probeFrames
}

func (c *Container) streams() []media.StreamInfo {
	out := make([]media.StreamInfo, len(c.tracks))
	for i, t := range c.tracks {
		out[i] = t.info
	}
	return out
}

// ReadPacket returns the next packet, or io.EOF at the end of the input.
func (c *Container) ReadPacket(ctx context.Context) (*media.Packet, error) {
	for {
		if len(c.queue) > 0 {
			pkt := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			return pkt, nil
		}
		data, err := c.next(ctx)
		if err != nil {
			return nil, err
		}
		c.handle(data)
	}
}

func (c *Container) next(ctx context.Context) (*mpegts.DemuxerData, error) {
	if c.closed {
		return nil, io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.dmx.NextData()
	c.resyncs.Store(int64(c.dmx.Resyncs()))
	return data, err
}

func (c *Container) handle(data *mpegts.DemuxerData) {
	switch {
	case data.PAT != nil:
		if c.dataStart < 0 {
			c.dataStart = data.FirstPacket.Offset
		}
	case data.PMT != nil:
		c.handlePMT(data.PMT)
	case data.PES != nil:
		t := c.byPID[data.FirstPacket.Header.PID]
		if t == nil || len(data.PES.Data) == 0 {
			return
		}
		c.bytes.Add(int64(len(data.PES.Data)))
		if t.info.Kind == media.KindVideo {
			c.handleVideo(t, data.PES)
		} else {
			c.handleAudio(t, data.PES)
		}
	}
}

// handlePMT selects the streams of the first program map seen. Later
// tables, including other programs, are ignored.
func (c *Container) handlePMT(pmt *mpegts.PMTData) {
	if c.pmtSeen {
		return
	}
	c.pmtSeen = true
	c.program = pmt.ProgramNumber
	for _, es := range pmt.ElementaryStreams {
		t := newTrack(es, len(c.tracks))
		if t == nil {
			c.log.Debug("ignoring stream", "pid", es.ElementaryPID, "stream_type", es.StreamType)
			continue
		}
		if t.info.Kind == media.KindVideo {
			if c.video != nil {
				continue
			}
			c.video = t
		}
		c.tracks = append(c.tracks, t)
		c.byPID[t.pid] = t
		c.log.Info("found PID", "program", c.program, "pid", t.pid, "kind", t.info.Kind, "codec", t.info.Codec)
	}
}

// anchor makes ts the stream start if no timestamp has been seen yet.
func (c *Container) anchor(ts int64) {
	if !c.haveStart {
		c.startPTS, c.haveStart = ts, true
	}
}

// pts converts a 90 kHz timestamp to a duration relative to the stream
// start, allowing for one 33-bit wrap in either direction.
func (c *Container) pts(ts int64) time.Duration {
	return ticksToDuration(c.relTicks(ts))
}

func (c *Container) relTicks(ts int64) int64 {
	d := (ts - c.startPTS) % ptsWrap
	if d < 0 {
		d += ptsWrap
	}
	if d >= ptsWrap/2 {
		d -= ptsWrap
	}
	return d
}

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100000 / 9)
}

func durationToTicks(d time.Duration) int64 {
	return int64(d) * 9 / 100000
}

func timestamps(pes *mpegts.PESData) (pts, dts int64, ok bool) {
	opt := pes.Header.OptionalHeader
	if opt == nil || opt.PTS == nil {
		return 0, 0, false
	}
	pts, dts = opt.PTS.Base, opt.PTS.Base
	if opt.DTS != nil {
		dts = opt.DTS.Base
	}
	return pts, dts, true
}

func (c *Container) handleVideo(t *track, pes *mpegts.PESData) {
	au := scanAccessUnit(t.hevc(), pes.Data)
	if au.sps != nil && !t.ready {
		t.ready = t.applySPS(au.sps)
	}

	pts, dts, ok := timestamps(pes)
	if ok {
		c.anchor(pts)
	} else {
		pts, dts = t.next, t.next
	}
	t.next = pts
	if !c.probed && ok && len(t.pts) < probeFrames {
		t.pts = append(t.pts, pts)
	}

	pkt := media.NewPacket(t.info.Index, nil)
	pkt.Data = pes.Data
	pkt.PTS = c.pts(pts)
	pkt.DTS = c.pts(dts)
	pkt.Keyframe = au.keyframe
	if len(au.seis) > 0 {
		pkt.Captions = c.captions.decode(au.seis, pkt.PTS)
		c.captionCount.Add(int64(len(pkt.Captions)))
	}

	c.videoPackets.Add(1)
	if au.keyframe {
		c.keyframes.Add(1)
	}
	c.queue = append(c.queue, pkt)
}

func (c *Container) handleAudio(t *track, pes *mpegts.PESData) {
	frames := t.splitAudio(pes.Data)
	if len(frames) == 0 {
		return
	}
	if !t.ready {
		t.info.SampleRate = frames[0].SampleRate
		t.info.Channels = frames[0].Channels
		if t.info.Codec == CodecMP3 {
			if h, ok := ParseMPEGAudioHeader(frames[0].Data); ok {
				t.info.Codec = h.Codec()
			}
		}
		t.ready = true
	}

	base, _, ok := timestamps(pes)
	switch {
	case ok:
		c.anchor(base)
	case t.hasNext:
		base = t.next
	default:
		return
	}
	// Offsets are computed from the running sample count so frame
	// durations that are not whole ticks do not drift.
	samples := int64(0)
	for _, f := range frames {
		pkt := media.NewPacket(t.info.Index, nil)
		pkt.Data = f.Data
		pkt.PTS = c.pts(base + samples*ptsClock/int64(f.SampleRate))
		pkt.DTS = pkt.PTS
		pkt.Keyframe = true
		c.queue = append(c.queue, pkt)
		samples += int64(f.Samples)
	}
	t.next, t.hasNext = base+samples*ptsClock/int64(frames[0].SampleRate), true
	c.audioPackets.Add(int64(len(frames)))
}

// Stats returns a snapshot of the demux counters. It may be called from
// any goroutine.
func (c *Container) Stats() Stats {
	return Stats{
		VideoPackets: c.videoPackets.Load(),
		AudioPackets: c.audioPackets.Load(),
		Keyframes:    c.keyframes.Load(),
		Captions:     c.captionCount.Load(),
		Bytes:        c.bytes.Load(),
		Resyncs:      c.resyncs.Load(),
	}
}

// IngestStats returns the transport counters when the input was opened
// through the ingest package.
func (c *Container) IngestStats() (ingest.IngestStats, bool) {
	s, ok := c.in.(*ingest.Stream)
	if !ok {
		return ingest.IngestStats{}, false
	}
	return s.IngestStats(), true
}

// Close stops demuxing and closes the input if it is an io.Closer. It is
// safe to call more than once.
func (c *Container) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	c.queue = nil
	if cl, ok := c.in.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
