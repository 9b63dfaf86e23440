// Package ingest opens the byte streams lens demuxes: local files and
// stdin, TCP and UDP sockets, SRT callers, HTTP downloads and WebSocket
// feeds. Every Stream counts what it receives and bounds blocking reads on
// network inputs with a timeout.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnsupportedScheme is returned by Dial for URL schemes it cannot open.
var ErrUnsupportedScheme = errors.New("ingest: unsupported scheme")

// errNotSeekable is returned by Seek and ReadAt on live inputs.
var errNotSeekable = errors.New("ingest: stream is not seekable")

// DefaultTimeout bounds connection setup and each blocking network read.
const DefaultTimeout = 5 * time.Second

// Options configure Dial.
type Options struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each blocking read on a network input. Reads
	// that time out return an error whose Timeout method reports true.
	ReadTimeout time.Duration
}

// DefaultOptions returns 5 second connect and read timeouts.
func DefaultOptions() Options {
	return Options{ConnectTimeout: DefaultTimeout, ReadTimeout: DefaultTimeout}
}

// TimeoutError is returned by reads that waited ReadTimeout without data.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ingest: no data for %s", e.After)
}

// Timeout reports true.
func (e *TimeoutError) Timeout() bool { return true }

// IngestStats captures connection-level counters for a stream.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is an open input. Reads are counted; files additionally support
// Seek and ReadAt.
type Stream struct {
	URL       string
	Scheme    string
	StartedAt time.Time

	r    io.Reader
	c    io.Closer
	file *os.File

	closeOnce sync.Once
	closeErr  error

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

func newStream(rawURL, scheme string, r io.Reader, c io.Closer) *Stream {
	return &Stream{URL: rawURL, Scheme: scheme, StartedAt: time.Now(), r: r, c: c}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.RecordRead(n)
	}
	return n, err
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// IngestStats returns a snapshot of the stream counters.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Seekable reports whether the stream is a regular file.
func (s *Stream) Seekable() bool {
	return s.file != nil
}

// Seek implements io.Seeker for file streams.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.file == nil {
		return 0, errNotSeekable
	}
	return s.file.Seek(offset, whence)
}

// ReadAt implements io.ReaderAt for file streams. It does not move the
// read position and is not counted.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if s.file == nil {
		return 0, errNotSeekable
	}
	return s.file.ReadAt(p, off)
}

// Close releases the underlying connection or file. It is safe to call
// more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.c != nil {
			s.closeErr = s.c.Close()
		}
	})
	return s.closeErr
}

// Scheme returns the lower-cased scheme Dial uses for rawURL: "pipe" for
// "-" and "file" for plain paths.
func Scheme(rawURL string) string {
	if rawURL == "-" {
		return "pipe"
	}
	u, err := url.Parse(rawURL)
	if err != nil || len(u.Scheme) <= 1 {
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// Dial opens rawURL. Supported schemes are file (and plain paths), pipe
// ("-" for stdin), tcp, udp, srt, http, https, ws and wss. If log is nil,
// slog.Default() is used.
func Dial(ctx context.Context, rawURL string, opts Options, log *slog.Logger) (*Stream, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest")

	scheme := Scheme(rawURL)
	var (
		s   *Stream
		err error
	)
	switch scheme {
	case "file":
		s, err = openFile(rawURL)
	case "pipe":
		s = newStream(rawURL, scheme, os.Stdin, nil)
	case "tcp":
		s, err = dialTCP(ctx, rawURL, opts)
	case "udp":
		s, err = listenUDP(rawURL, opts)
	case "srt":
		s, err = dialSRT(ctx, rawURL, opts, log)
	case "http", "https":
		s, err = dialHTTP(ctx, rawURL, opts)
	case "ws", "wss":
		s, err = dialWebSocket(ctx, rawURL, opts)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, scheme)
	}
	if err != nil {
		return nil, err
	}
	addr, _ := s.remoteAddr.Load().(string)
	log.Info("connected", "scheme", scheme, "url", rawURL, "remote", addr)
	return s, nil
}

func openFile(rawURL string) (*Stream, error) {
	path := rawURL
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		path = u.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ingest: %w", err)
	}
	s := newStream(rawURL, "file", f, f)
	if fi.Mode().IsRegular() {
		s.file = f
	}
	s.SetRemoteAddr(path)
	return s, nil
}

// connectContext bounds ctx by the connect timeout.
func connectContext(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	if opts.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, opts.ConnectTimeout)
}
