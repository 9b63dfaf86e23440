package main

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/lens/internal/engine"
	"github.com/zsiec/lens/internal/media"
)

// consumer is the engine observer. It records what the status view shows
// and hands pictures and audio to the snapshot writer and audio sink, both
// of which may be nil.
type consumer struct {
	log   *slog.Logger
	snap  *snapshotter
	audio *audioSink

	position    atomic.Int64
	lastCaption atomic.Value
	lastErr     atomic.Value
	audioRate   atomic.Int64
	// failed latches StatusError; the player closes the engine, which
	// moves it on to Stopped, before playback is reported as ended.
	failed atomic.Bool
}

func newConsumer(log *slog.Logger) *consumer {
	if log == nil {
		log = slog.Default()
	}
	return &consumer{log: log.With("component", "consumer")}
}

func (c *consumer) FrameReady(img *media.Image) {
	c.position.Store(int64(img.PTS))
	if c.snap != nil {
		c.snap.offer(img)
	}
}

func (c *consumer) StatusChanged(s engine.Status) {
	switch s {
	case engine.StatusError:
		c.failed.Store(true)
	case engine.StatusConnecting:
		c.failed.Store(false)
	}
	c.log.Debug("status", "status", s)
}

func (c *consumer) ErrorOccurred(err error) {
	c.lastErr.Store(err.Error())
	c.log.Warn("engine error", "error", err)
}

func (c *consumer) AudioReady(pcm []byte) {
	if c.audio != nil {
		c.audio.offer(pcm)
	}
}

func (c *consumer) AudioFormatChanged(sampleRate, channels int) {
	c.audioRate.Store(int64(sampleRate))
	c.log.Info("audio format", "rate", sampleRate, "channels", channels)
}

func (c *consumer) CaptionReady(line media.Caption) {
	c.lastCaption.Store(line.Text)
	c.log.Debug("caption", "channel", line.Channel, "pts", line.PTS, "text", line.Text)
}

// Position returns the timestamp of the last delivered picture.
func (c *consumer) Position() time.Duration {
	return time.Duration(c.position.Load())
}

// LastCaption returns the most recent caption line.
func (c *consumer) LastCaption() string {
	s, _ := c.lastCaption.Load().(string)
	return s
}

// Failed reports whether the last session ended in StatusError.
func (c *consumer) Failed() bool {
	return c.failed.Load()
}

// LastError returns the most recent non-fatal engine error.
func (c *consumer) LastError() string {
	s, _ := c.lastErr.Load().(string)
	return s
}
