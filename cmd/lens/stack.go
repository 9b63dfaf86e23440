package main

import (
	"log/slog"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/codec/mp3"
	"github.com/zsiec/lens/internal/codec/opus"
	"github.com/zsiec/lens/internal/demux"
	"github.com/zsiec/lens/internal/libav"
	"github.com/zsiec/lens/internal/source"
	"github.com/zsiec/lens/internal/testsrc"
)

// newOpener routes testsrc:// to the synthetic source and transport
// stream inputs to the native demuxer. Everything else, including files
// in other container formats, goes to libav.
func newOpener(log *slog.Logger) source.Opener {
	lib := &libav.Opener{Log: log}
	r := source.NewRouter(lib)
	r.Handle(testsrc.Opener{}, testsrc.Scheme)
	r.Handle(&demux.Opener{Log: log, Fallback: lib}, demux.Schemes...)
	return r
}

// newDecoders prefers the pure-Go decoders and falls back to libavcodec.
func newDecoders(log *slog.Logger) codec.Factory {
	return codec.Chain{
		testsrc.Decoders{},
		mp3.Decoders{},
		opus.Decoders{},
		&libav.Decoders{Log: log},
	}
}
