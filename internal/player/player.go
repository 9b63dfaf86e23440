// Package player drives an engine from a background goroutine. Control
// requests (pause, resume, seek, stop, switching input) are recorded under
// a lock and applied by the loop between packets, so a request takes
// effect within one packet's read and decode time.
package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/lens/internal/engine"
	"github.com/zsiec/lens/internal/media"
)

// Loop timing.
const (
	PauseInterval = 100 * time.Millisecond
	RetryInterval = 10 * time.Millisecond
)

// Config configures a Player. Engine is passed to engine.New with its
// Observer wrapped so the player can follow delivered timestamps.
type Config struct {
	Engine engine.Config
	// Realtime paces delivery so pictures are emitted no faster than
	// their timestamps advance.
	Realtime bool
}

// Player owns one Engine and the goroutine that reads from it.
type Player struct {
	log   *slog.Logger
	eng   *engine.Engine
	pacer *pacer

	mu         sync.Mutex
	running    bool
	stop       bool
	pause      bool
	seek       time.Duration
	seekSet    bool
	pendingURL string
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a Player and its Engine.
func New(cfg Config) (*Player, error) {
	log := cfg.Engine.Log
	if log == nil {
		log = slog.Default()
	}

	var pc *pacer
	if cfg.Realtime {
		pc = newPacer()
	}
	ecfg := cfg.Engine
	ecfg.Observer = &forwarder{next: cfg.Engine.Observer, pacer: pc}

	eng, err := engine.New(ecfg)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	close(done)
	return &Player{
		log:   log.With("component", "player"),
		eng:   eng,
		pacer: pc,
		done:  done,
	}, nil
}

// Engine returns the engine for accessor queries. Callers must not call
// Open, Close, ReadFrame or Seek on it while the player is running.
func (p *Player) Engine() *engine.Engine {
	return p.eng
}

// Play starts playing rawURL. If the loop is already running the switch is
// queued and the loop reopens on its next iteration. Pending pause, seek
// and stop requests are cleared.
func (p *Player) Play(rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stop = false
	p.pause = false
	p.seekSet = false

	if p.running {
		p.pendingURL = rawURL
		p.log.Info("queueing input switch", "url", rawURL)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.pendingURL = ""
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, rawURL, p.done)
}

// Pause asks the loop to pause.
func (p *Player) Pause() {
	p.mu.Lock()
	p.pause = true
	p.mu.Unlock()
}

// Resume clears a pause request.
func (p *Player) Resume() {
	p.mu.Lock()
	p.pause = false
	p.mu.Unlock()
}

// Stop asks the loop to close the input and exit. It does not wait.
func (p *Player) Stop() {
	p.mu.Lock()
	p.stop = true
	p.mu.Unlock()
}

// Seek records a seek applied at the next iteration that is not paused.
// A later Seek before then replaces it.
func (p *Player) Seek(pos time.Duration) {
	p.mu.Lock()
	p.seek = max(0, pos)
	p.seekSet = true
	p.mu.Unlock()
}

// SeekMillis is Seek with a position in milliseconds.
func (p *Player) SeekMillis(ms int64) {
	p.Seek(time.Duration(ms) * time.Millisecond)
}

// Running reports whether the loop goroutine is active.
func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Done returns a channel closed when the current loop exits. A queued
// input switch may start a new loop with a new channel.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Close stops the loop, cancels any blocking read and waits for the
// goroutine to exit. The engine is left Stopped.
func (p *Player) Close() {
	p.mu.Lock()
	p.stop = true
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
	p.eng.Close()
}

type request struct {
	stop    bool
	pause   bool
	url     string
	seek    time.Duration
	seekSet bool
}

// take snapshots pending requests, consuming the one-shot ones. A seek is
// only consumed when the loop is not paused.
func (p *Player) take() request {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := request{stop: p.stop, pause: p.pause, url: p.pendingURL}
	p.pendingURL = ""
	if !p.pause && p.seekSet {
		r.seek, r.seekSet = p.seek, true
		p.seekSet = false
	}
	return r
}

func (p *Player) run(ctx context.Context, rawURL string, done chan struct{}) {
	defer func() {
		p.eng.Close()

		// A switch queued while the loop was already leaving starts a
		// fresh loop instead of being lost.
		p.mu.Lock()
		next := p.pendingURL
		p.pendingURL = ""
		if next != "" && !p.stop && ctx.Err() == nil {
			p.done = make(chan struct{})
			go p.run(ctx, next, p.done)
		} else {
			p.running = false
			if p.cancel != nil {
				p.cancel()
				p.cancel = nil
			}
		}
		p.mu.Unlock()
		close(done)
		p.log.Info("playback loop exited")
	}()

	if !p.open(ctx, rawURL) {
		return
	}

	for {
		req := p.take()
		if req.stop {
			p.log.Info("stop requested")
			return
		}
		if req.url != "" {
			p.eng.Close()
			if !p.open(ctx, req.url) {
				return
			}
			continue
		}
		if req.pause {
			p.eng.Pause()
			p.pacer.reset()
			if !sleep(ctx, PauseInterval) {
				return
			}
			continue
		}
		p.eng.Resume()

		if req.seekSet {
			if err := p.eng.Seek(ctx, req.seek); err == nil {
				p.pacer.reset()
			}
		}

		ok, err := p.eng.ReadFrame(ctx)
		if ok {
			if !p.pacer.wait(ctx) {
				return
			}
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			return
		case ctx.Err() != nil:
			return
		case p.eng.Status() == engine.StatusError:
			p.log.Warn("engine failed, stopping", "error", p.eng.LastError())
			return
		}
		if !sleep(ctx, RetryInterval) {
			return
		}
	}
}

func (p *Player) open(ctx context.Context, rawURL string) bool {
	p.pacer.reset()
	if err := p.eng.Open(ctx, rawURL); err != nil {
		p.log.Error("open failed", "url", rawURL, "error", err)
		return false
	}
	return true
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// forwarder passes engine notifications through and feeds the pacer.
type forwarder struct {
	next  engine.Observer
	pacer *pacer
}

func (f *forwarder) FrameReady(img *media.Image) {
	f.pacer.observe(img.PTS)
	if f.next != nil {
		f.next.FrameReady(img)
	}
}

func (f *forwarder) StatusChanged(s engine.Status) {
	if f.next != nil {
		f.next.StatusChanged(s)
	}
}

func (f *forwarder) ErrorOccurred(err error) {
	if f.next != nil {
		f.next.ErrorOccurred(err)
	}
}

func (f *forwarder) AudioReady(pcm []byte) {
	if f.next != nil {
		f.next.AudioReady(pcm)
	}
}

func (f *forwarder) AudioFormatChanged(sampleRate, channels int) {
	if f.next != nil {
		f.next.AudioFormatChanged(sampleRate, channels)
	}
}

func (f *forwarder) CaptionReady(c media.Caption) {
	if co, ok := f.next.(engine.CaptionObserver); ok {
		co.CaptionReady(c)
	}
}
