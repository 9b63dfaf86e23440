package main

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/zsiec/lens/internal/media"
)

// snapshotter writes every Nth delivered picture as a PNG. Encoding runs
// on its own goroutine; pictures offered while it is busy are skipped.
type snapshotter struct {
	log   *slog.Logger
	dir   string
	every int

	frames  atomic.Int64
	written atomic.Int64
	ch      chan *media.Image
}

func newSnapshotter(dir string, every int, log *slog.Logger) *snapshotter {
	if log == nil {
		log = slog.Default()
	}
	return &snapshotter{
		log:   log.With("component", "snapshot"),
		dir:   dir,
		every: max(every, 1),
		ch:    make(chan *media.Image, 1),
	}
}

// offer is called for every delivered picture.
func (s *snapshotter) offer(img *media.Image) {
	n := s.frames.Add(1)
	if (n-1)%int64(s.every) != 0 {
		return
	}
	select {
	case s.ch <- img:
	default:
	}
}

// run writes queued pictures until ctx is done.
func (s *snapshotter) run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			// A picture queued just before shutdown is still written.
			select {
			case img := <-s.ch:
				if _, err := s.write(img); err != nil {
					s.log.Warn("snapshot failed", "error", err)
				}
			default:
			}
			return nil
		case img := <-s.ch:
			path, err := s.write(img)
			if err != nil {
				s.log.Warn("snapshot failed", "error", err)
				continue
			}
			s.log.Debug("snapshot written", "path", path, "pts", img.PTS)
		}
	}
}

func (s *snapshotter) write(img *media.Image) (string, error) {
	n := s.written.Add(1)
	path := filepath.Join(s.dir, fmt.Sprintf("frame-%06d.png", n))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encoding %s: %w", path, err)
	}
	return path, f.Close()
}

// Written returns how many snapshots have been saved.
func (s *snapshotter) Written() int64 {
	return s.written.Load()
}
