package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtReadBufferSize holds ten 1316-byte payloads (7 TS packets each).
	srtReadBufferSize = 1316 * 10
	// srtLatencyNs is the SRT receiver latency (120ms).
	srtLatencyNs = 120_000_000
)

// dialSRT connects in caller mode to srt://host:port. The optional
// "streamid" query parameter is sent as the SRT stream ID.
func dialSRT(ctx context.Context, rawURL string, opts Options, log *slog.Logger) (*Stream, error) {
	u, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if id := u.Query().Get("streamid"); id != "" {
		cfg.StreamID = id
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Close a connection that completes after we gave up on it.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ingest: srt dial: %w", res.err)
		}
		conn = res.conn
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("ingest: srt dial timed out after %s", timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}

	read := func() ([]byte, error) {
		buf := make([]byte, srtReadBufferSize)
		n, err := conn.Read(buf)
		if err != nil {
			log.Debug("srt read ended", "url", rawURL, "error", err)
		}
		return buf[:n], err
	}
	p := newPump(read, opts.ReadTimeout)
	s := newStream(rawURL, "srt", p, pumpCloser{p: p, src: conn})
	s.SetRemoteAddr(u.Host)
	return s, nil
}
