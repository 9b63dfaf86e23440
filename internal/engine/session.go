package engine

import (
	"log/slog"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/convert"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

// session owns everything allocated for one open input. It is built
// step by step during Open and released as a unit; release is safe on a
// partially built session and idempotent.
type session struct {
	id  string
	url string
	log *slog.Logger

	container source.Container
	streams   []media.StreamInfo

	videoIndex int
	video      codec.VideoDecoder
	scaler     *convert.Scaler
	image      *media.Image

	audioIndex int
	audio      codec.AudioDecoder
	resampler  *convert.Resampler
	audioBuf   []byte

	released bool
}

func newSession(id, url string, log *slog.Logger) *session {
	return &session{
		id:         id,
		url:        url,
		log:        log,
		videoIndex: -1,
		audioIndex: -1,
	}
}

// release tears the session down: buffers, then conversion state, then
// decoders, then the container.
func (s *session) release() {
	if s == nil || s.released {
		return
	}
	s.released = true

	s.image = nil
	s.audioBuf = nil
	s.scaler = nil
	s.resampler = nil

	if s.video != nil {
		if err := s.video.Close(); err != nil {
			s.log.Warn("video decoder close failed", "error", err)
		}
		s.video = nil
	}
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			s.log.Warn("audio decoder close failed", "error", err)
		}
		s.audio = nil
	}
	if s.container != nil {
		if err := s.container.Close(); err != nil {
			s.log.Warn("container close failed", "error", err)
		}
		s.container = nil
	}

	s.streams = nil
	s.videoIndex = -1
	s.audioIndex = -1
	s.log.Debug("session released")
}
