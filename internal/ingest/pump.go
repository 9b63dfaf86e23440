package ingest

import (
	"io"
	"sync"
	"time"
)

// pumpQueue is how many received chunks may wait for the reader.
const pumpQueue = 64

// pump adapts a message-oriented source (SRT datagrams, WebSocket
// messages, HTTP body reads) to io.Reader with a per-read timeout. A
// background goroutine calls read until it fails.
type pump struct {
	chunks  chan []byte
	done    chan struct{}
	once    sync.Once
	err     error // written before chunks is closed
	cur     []byte
	timeout time.Duration
}

func newPump(read func() ([]byte, error), timeout time.Duration) *pump {
	p := &pump{
		chunks:  make(chan []byte, pumpQueue),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go p.run(read)
	return p
}

func (p *pump) run(read func() ([]byte, error)) {
	for {
		b, err := read()
		if len(b) > 0 {
			select {
			case p.chunks <- b:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.err = err
			close(p.chunks)
			return
		}
	}
}

func (p *pump) Read(b []byte) (int, error) {
	if len(p.cur) == 0 {
		var expired <-chan time.Time
		if p.timeout > 0 {
			t := time.NewTimer(p.timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return 0, p.err
			}
			p.cur = chunk
		case <-expired:
			return 0, &TimeoutError{After: p.timeout}
		case <-p.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(b, p.cur)
	p.cur = p.cur[n:]
	return n, nil
}

// stop unblocks Read and the pumping goroutine's send. The source itself
// must be closed separately to unblock a pending read.
func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}

// pumpCloser stops the pump and closes the source.
type pumpCloser struct {
	p   *pump
	src io.Closer
}

func (c pumpCloser) Close() error {
	c.p.stop()
	return c.src.Close()
}
