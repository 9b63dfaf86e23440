package player

import (
	"context"
	"time"
)

// maxLead bounds how far the stream clock may run ahead of or behind the
// wall clock before the pacer re-anchors instead of sleeping.
const maxLead = 2 * time.Second

// pacer holds delivery back to the timestamps of delivered pictures. A nil
// pacer does nothing. It is only used from the loop goroutine.
type pacer struct {
	anchored bool
	wall     time.Time
	origin   time.Duration
	last     time.Duration
	now      func() time.Time
}

func newPacer() *pacer {
	return &pacer{now: time.Now}
}

// observe records the timestamp of a delivered picture.
func (p *pacer) observe(pts time.Duration) {
	if p == nil {
		return
	}
	if !p.anchored {
		p.anchored = true
		p.wall = p.now()
		p.origin = pts
	}
	p.last = pts
}

// reset drops the anchor, typically after a seek, pause or new input.
func (p *pacer) reset() {
	if p == nil {
		return
	}
	p.anchored = false
}

// delay returns how long to wait before reading the next packet.
func (p *pacer) delay() time.Duration {
	if p == nil || !p.anchored {
		return 0
	}
	d := p.wall.Add(p.last - p.origin).Sub(p.now())
	if d > maxLead || d < -maxLead {
		p.anchored = false
		return 0
	}
	return max(0, d)
}

// wait sleeps for delay and reports false if ctx ended first.
func (p *pacer) wait(ctx context.Context) bool {
	d := p.delay()
	if d <= 0 {
		return true
	}
	return sleep(ctx, d)
}
