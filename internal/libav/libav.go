// Package libav is the FFmpeg backend of lens. It opens every input the
// native demuxer does not handle (RTSP, MP4, MKV, FLV, WAV and anything else
// libavformat recognizes) and provides software decoders for all codecs
// libavcodec ships, normalizing their output to I420 pictures and
// interleaved float samples.
//
// Init must be called once before Opener or Decoders are used; it routes
// FFmpeg's own logging into slog.
package libav

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astiav"
)

// ErrNotInitialized is returned by Opener and Decoders before Init.
var ErrNotInitialized = errors.New("libav: not initialized")

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

// Init configures FFmpeg logging. Messages at warning level and above are
// forwarded to log; debug output is forwarded when log has debug enabled.
// Only the first call has any effect.
func Init(log *slog.Logger) {
	initOnce.Do(func() {
		if log == nil {
			log = slog.Default()
		}
		log = log.With("component", "ffmpeg")

		level := astiav.LogLevelWarning
		if log.Enabled(context.Background(), slog.LevelDebug) {
			level = astiav.LogLevelVerbose
		}
		astiav.SetLogLevel(level)
		astiav.SetLogCallback(func(c astiav.Classer, l astiav.LogLevel, _, msg string) {
			msg = strings.TrimSpace(msg)
			if msg == "" {
				return
			}
			attrs := []any{}
			if c != nil {
				if cl := c.Class(); cl != nil {
					attrs = append(attrs, "class", cl.Name())
				}
			}
			log.Log(context.Background(), slogLevel(l), msg, attrs...)
		})
		initialized.Store(true)
	})
}

// Initialized reports whether Init has run.
func Initialized() bool {
	return initialized.Load()
}

func slogLevel(l astiav.LogLevel) slog.Level {
	switch {
	case l <= astiav.LogLevelError:
		return slog.LevelError
	case l <= astiav.LogLevelWarning:
		return slog.LevelWarn
	case l <= astiav.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
