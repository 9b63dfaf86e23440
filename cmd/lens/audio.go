package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"github.com/zsiec/lens/internal/convert"
)

// audioQueue is the number of PCM blocks buffered between the engine and
// the device.
const audioQueue = 64

// audioSink plays the engine's S16LE stereo output through oto. The device
// is opened on the first block so inputs without audio never touch it.
// When no device is available blocks are discarded.
type audioSink struct {
	log *slog.Logger
	ch  chan []byte

	// open creates the device player reading from r.
	open func(r io.Reader) (io.Closer, error)

	played  atomic.Int64
	dropped atomic.Int64
}

func newAudioSink(log *slog.Logger) *audioSink {
	if log == nil {
		log = slog.Default()
	}
	return &audioSink{
		log:  log.With("component", "audio"),
		ch:   make(chan []byte, audioQueue),
		open: openDevice,
	}
}

// openDevice creates the process-wide oto context and a player on r.
func openDevice(r io.Reader) (io.Closer, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   convert.OutputSampleRate,
		ChannelCount: convert.OutputChannels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("audio device: %w", err)
	}
	<-ready
	p := ctx.NewPlayer(r)
	p.Play()
	return p, nil
}

// offer queues a block without blocking the engine.
func (s *audioSink) offer(pcm []byte) {
	select {
	case s.ch <- pcm:
	default:
		s.dropped.Add(1)
	}
}

// run feeds queued blocks to the device until ctx is done. Writes block
// while the device buffer is full, which paces the queue.
func (s *audioSink) run(ctx context.Context) error {
	pr, pw := io.Pipe()
	defer pw.Close()
	stop := context.AfterFunc(ctx, func() { pr.CloseWithError(ctx.Err()) })
	defer stop()

	var player io.Closer
	disabled := false
	defer func() {
		if player != nil {
			player.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pcm := <-s.ch:
			if disabled {
				s.dropped.Add(1)
				continue
			}
			if player == nil {
				p, err := s.open(pr)
				if err != nil {
					s.log.Warn("audio output unavailable, discarding audio", "error", err)
					disabled = true
					s.dropped.Add(1)
					continue
				}
				player = p
				s.log.Info("audio output open", "rate", convert.OutputSampleRate, "channels", convert.OutputChannels)
			}
			if _, err := pw.Write(pcm); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("audio write: %w", err)
			}
			s.played.Add(int64(len(pcm)))
		}
	}
}
