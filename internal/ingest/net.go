package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"
)

const (
	// udpBufferSize holds the largest datagram, so a read never truncates
	// one.
	udpBufferSize = 64 << 10
	// udpSocketBuffer is the kernel receive buffer requested for UDP.
	udpSocketBuffer = 4 << 20
)

// deadlineReader sets a read deadline before every read.
type deadlineReader struct {
	conn    net.Conn
	r       io.Reader
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return 0, err
		}
	}
	return d.r.Read(p)
}

func hostPort(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ingest: %q has no host:port", rawURL)
	}
	return u, nil
}

// dialTCP connects to tcp://host:port and reads a raw byte stream.
func dialTCP(ctx context.Context, rawURL string, opts Options) (*Stream, error) {
	u, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}
	dctx, cancel := connectContext(ctx, opts)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("ingest: tcp dial: %w", err)
	}
	s := newStream(rawURL, "tcp", &deadlineReader{conn: conn, r: conn, timeout: opts.ReadTimeout}, conn)
	s.SetRemoteAddr(conn.RemoteAddr().String())
	return s, nil
}

// listenUDP binds udp://host:port and reads datagrams. Multicast group
// addresses are joined on the default interface.
func listenUDP(rawURL string, opts Options) (*Stream, error) {
	u, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("ingest: udp: %w", err)
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: udp listen: %w", err)
	}
	_ = conn.SetReadBuffer(udpSocketBuffer)

	r := &deadlineReader{conn: conn, r: bufio.NewReaderSize(conn, udpBufferSize), timeout: opts.ReadTimeout}
	s := newStream(rawURL, "udp", r, conn)
	s.SetRemoteAddr(conn.LocalAddr().String())
	return s, nil
}
