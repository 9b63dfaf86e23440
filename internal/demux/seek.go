package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/lens/internal/mpegts"
	"github.com/zsiec/lens/internal/source"
)

type randomAccess interface {
	io.Seeker
	io.ReaderAt
}

// unitPos is where a video access unit starts in the input.
type unitPos struct {
	offset   int64
	ticks    int64 // relative to the stream start
	keyframe bool
}

func (c *Container) randomAccess() (randomAccess, bool) {
	ra, ok := c.in.(randomAccess)
	if !ok {
		return nil, false
	}
	if s, ok := c.in.(interface{ Seekable() bool }); ok && !s.Seekable() {
		return nil, false
	}
	return ra, true
}

// Seek repositions the input at the last video keyframe whose PTS is at or
// before pos. It bisects the file by byte offset on the PTS of the first
// video unit in a window, then scans backwards for a keyframe. Inputs that
// are not random access return source.ErrNotSeekable.
func (c *Container) Seek(ctx context.Context, pos time.Duration) error {
	if c.closed {
		return io.ErrClosedPipe
	}
	ra, ok := c.randomAccess()
	if !ok || c.video == nil || c.dataStart < 0 {
		return source.ErrNotSeekable
	}
	cur, err := ra.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("demux: seek: %w", err)
	}
	size, err := ra.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("demux: seek: %w", err)
	}

	off := c.dataStart
	if target := durationToTicks(pos); target > 0 {
		off, err = c.keyframeOffset(ctx, ra, size, target)
	}
	if err == nil {
		_, err = ra.Seek(off, io.SeekStart)
	}
	if err != nil {
		// Leave the read position where it was.
		_, _ = ra.Seek(cur, io.SeekStart)
		return fmt.Errorf("demux: seek to %s: %w", pos, err)
	}

	c.dmx.Reset(off)
	c.queue = nil
	c.captions.reset()
	for _, t := range c.tracks {
		t.hasNext = false
	}
	c.log.Debug("seek", "position", pos, "offset", off)
	return nil
}

func (c *Container) align(off int64) int64 {
	if off <= c.dataStart {
		return c.dataStart
	}
	return off - (off-c.dataStart)%int64(c.pktSize)
}

func (c *Container) keyframeOffset(ctx context.Context, ra io.ReaderAt, size, target int64) (int64, error) {
	window := c.seekWindow
	lo, hi := c.dataStart, size

	// Invariant: the first unit at or after lo starts at or before target,
	// or lo is the start of the data.
	for hi-lo > 2*window {
		mid := c.align(lo + (hi-lo)/2)
		units, err := c.scanVideo(ctx, ra, mid, min(mid+window, size))
		if err != nil {
			return 0, err
		}
		if len(units) > 0 && units[0].ticks <= target {
			lo = mid
		} else {
			hi = mid
		}
	}

	start, end := lo, min(hi+window, size)
	for {
		units, err := c.scanVideo(ctx, ra, start, end)
		if err != nil {
			return 0, err
		}
		best := int64(-1)
		for _, u := range units {
			if u.keyframe && u.ticks <= target {
				best = u.offset
			}
		}
		if best >= 0 {
			return best, nil
		}
		if start <= c.dataStart {
			return c.dataStart, nil
		}
		// Overlap the previous window slightly so a unit straddling the
		// boundary is seen with its header.
		end = min(start+int64(c.pktSize)*16, size)
		start = c.align(start - 2*window)
	}
}

// scanVideo demuxes [from, to) with a private demuxer and returns the
// video units that start inside it.
func (c *Container) scanVideo(ctx context.Context, ra io.ReaderAt, from, to int64) ([]unitPos, error) {
	if from >= to {
		return nil, nil
	}
	pid := c.video.pid
	skipOthers := func(ps []*mpegts.Packet) ([]*mpegts.DemuxerData, bool, error) {
		return nil, ps[0].Header.PID != pid, nil
	}
	d := mpegts.NewDemuxer(ctx, io.NewSectionReader(ra, from, to-from),
		mpegts.DemuxerOptPacketSize(c.pktSize),
		mpegts.DemuxerOptOffset(from),
		mpegts.DemuxerOptPacketsParser(skipOthers),
	)

	var units []unitPos
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return units, nil
		}
		if err != nil {
			return nil, err
		}
		if data.PES == nil {
			continue
		}
		pts, _, ok := timestamps(data.PES)
		if !ok {
			continue
		}
		units = append(units, unitPos{
			offset:   data.FirstPacket.Offset,
			ticks:    c.relTicks(pts),
			keyframe: scanAccessUnit(c.video.hevc(), data.PES.Data).keyframe,
		})
	}
}
