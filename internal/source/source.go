// Package source defines how lens opens media inputs. A Container yields
// compressed packets from an opened input; an Opener turns a URL into a
// Container. Router dispatches URLs to openers by scheme.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/lens/internal/media"
)

// Error classes reported by openers and containers.
var (
	ErrOpen        = errors.New("source: open failed")
	ErrProbe       = errors.New("source: stream probe failed")
	ErrNotSeekable = errors.New("source: input is not seekable")
	ErrNoOpener    = errors.New("source: no opener for scheme")
)

// DefaultConnectTimeout bounds connection establishment and blocking reads
// on network inputs.
const DefaultConnectTimeout = 5 * time.Second

// Options are the fixed transport settings applied when opening an input.
type Options struct {
	// ConnectTimeout bounds dialing and each blocking network read.
	ConnectTimeout time.Duration
	// ForceTCP selects the reliable transport for protocols that offer a
	// choice (RTSP interleaved over TCP).
	ForceTCP bool
}

// DefaultOptions returns the settings lens always opens inputs with.
func DefaultOptions() Options {
	return Options{ConnectTimeout: DefaultConnectTimeout, ForceTCP: true}
}

// Container is an opened input.
type Container interface {
	// Probe returns the elementary streams of the input. It is called once,
	// before the first ReadPacket.
	Probe(ctx context.Context) ([]media.StreamInfo, error)
	// ReadPacket returns the next packet in stream order, or io.EOF at the
	// end of the input.
	ReadPacket(ctx context.Context) (*media.Packet, error)
	// Seek repositions the input to the nearest keyframe at or before pos.
	Seek(ctx context.Context, pos time.Duration) error
	Close() error
}

// Opener opens inputs by URL.
type Opener interface {
	Open(ctx context.Context, rawURL string, opts Options) (Container, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, rawURL string, opts Options) (Container, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, rawURL string, opts Options) (Container, error) {
	return f(ctx, rawURL, opts)
}

// Router dispatches URLs to openers registered by scheme. Plain paths use
// the "file" scheme. When no opener matches, the fallback is used.
type Router struct {
	mu       sync.RWMutex
	schemes  map[string]Opener
	fallback Opener
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Opener) *Router {
	return &Router{schemes: make(map[string]Opener), fallback: fallback}
}

// Handle registers o for each of the given schemes.
func (r *Router) Handle(o Opener, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.schemes[strings.ToLower(s)] = o
	}
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, rawURL string, opts Options) (Container, error) {
	scheme := Scheme(rawURL)

	r.mu.RLock()
	o, ok := r.schemes[scheme]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		o = fallback
	}
	if o == nil {
		return nil, fmt.Errorf("%w %q", ErrNoOpener, scheme)
	}
	return o.Open(ctx, rawURL, opts)
}

// Scheme returns the lower-cased URL scheme of rawURL, treating anything
// without a scheme (including Windows drive letters) as "file".
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

// IsTemporary reports whether err is a transient read condition (a timeout
// or a cancelled read) after which the input may still deliver data.
func IsTemporary(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
