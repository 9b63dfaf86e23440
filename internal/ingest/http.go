package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// httpChunkSize is the body read size for HTTP inputs.
const httpChunkSize = 32 << 10

// dialHTTP issues a GET and streams the response body. The request lives
// until Close; the connect timeout only bounds reaching the response
// headers.
func dialHTTP(ctx context.Context, rawURL string, opts Options) (*Stream, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = opts.ConnectTimeout
	transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
	client := &http.Client{Transport: transport}

	reqCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ingest: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ingest: http: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("ingest: http: unexpected status %s", resp.Status)
	}

	body := resp.Body
	read := func() ([]byte, error) {
		buf := make([]byte, httpChunkSize)
		n, err := body.Read(buf)
		return buf[:n], err
	}
	p := newPump(read, opts.ReadTimeout)
	s := newStream(rawURL, Scheme(rawURL), p, pumpCloser{p: p, src: closerFunc(func() error {
		cancel()
		return body.Close()
	})})
	s.SetRemoteAddr(req.URL.Host)
	return s, nil
}

// dialWebSocket connects to a ws:// or wss:// endpoint that sends the
// transport stream as binary messages. Text messages are ignored.
func dialWebSocket(ctx context.Context, rawURL string, opts Options) (*Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectTimeout,
	}
	dctx, cancel := connectContext(ctx, opts)
	defer cancel()

	conn, resp, err := dialer.DialContext(dctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ingest: websocket dial (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("ingest: websocket dial: %w", err)
	}

	read := func() ([]byte, error) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil, io.EOF
				}
				return nil, err
			}
			if mt == websocket.BinaryMessage {
				return data, nil
			}
		}
	}
	p := newPump(read, opts.ReadTimeout)
	s := newStream(rawURL, Scheme(rawURL), p, pumpCloser{p: p, src: conn})
	s.SetRemoteAddr(conn.RemoteAddr().String())
	return s, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
