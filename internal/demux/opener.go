package demux

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/zsiec/lens/internal/ingest"
	"github.com/zsiec/lens/internal/mpegts"
	"github.com/zsiec/lens/internal/source"
)

// Schemes lists the URL schemes Opener can read a transport stream from.
var Schemes = []string{"file", "pipe", "tcp", "udp", "srt", "http", "https", "ws", "wss"}

// Opener opens transport streams over any ingest transport. Files and
// HTTP URLs whose extension names another container format are passed to
// Fallback.
type Opener struct {
	Log      *slog.Logger
	Fallback source.Opener
}

// Open implements source.Opener.
func (o *Opener) Open(ctx context.Context, rawURL string, opts source.Options) (source.Container, error) {
	scheme := source.Scheme(rawURL)
	ext := extension(rawURL, scheme)
	if !isTransportStream(scheme, ext) {
		if o.Fallback == nil {
			return nil, fmt.Errorf("%w: %q is not a transport stream", source.ErrOpen, rawURL)
		}
		return o.Fallback.Open(ctx, rawURL, opts)
	}

	s, err := ingest.Dial(ctx, rawURL, ingest.Options{
		ConnectTimeout: opts.ConnectTimeout,
		ReadTimeout:    opts.ConnectTimeout,
	}, o.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", source.ErrOpen, err)
	}

	var copts []Option
	if ext == ".m2ts" || ext == ".mts" {
		copts = append(copts, WithPacketSize(mpegts.PacketSizeM2TS))
	}
	return NewContainer(s, o.Log, copts...), nil
}

func extension(rawURL, scheme string) string {
	p := rawURL
	if scheme != "file" || strings.HasPrefix(rawURL, "file://") {
		if u, err := url.Parse(rawURL); err == nil {
			p = u.Path
		}
	}
	return strings.ToLower(path.Ext(strings.ReplaceAll(p, `\`, "/")))
}

// isTransportStream reports whether an input should be demuxed here.
// Sockets always carry TS; files need a TS extension; HTTP URLs without an
// extension are assumed to be live TS.
func isTransportStream(scheme, ext string) bool {
	switch ext {
	case ".ts", ".m2ts", ".mts", ".m2t", ".trp":
		return true
	}
	switch scheme {
	case "file":
		return false
	case "http", "https":
		return ext == ""
	}
	return true
}
