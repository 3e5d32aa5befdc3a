// Package stream adapts blocking files (stdin, stdout) into non-blocking
// multiplexer handles backed by pump goroutines.
package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
)

const (
	chunkSize      = 4096
	defaultBacklog = 1 << 20
)

// Waker is notified when a handle's readiness may have changed.
type Waker interface {
	Wake()
}

// Reader buffers an io.Reader in the background. Read never blocks: it
// returns (0, nil) when no data is buffered yet and io.EOF once the source
// is exhausted and the buffer drained.
type Reader struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	err     error
	backlog int
	waker   Waker
}

// NewReader starts pumping src. The waker is called whenever new data or an
// error becomes available.
func NewReader(src io.Reader, waker Waker) *Reader {
	if src == nil {
		panic("stream: nil source")
	}
	if waker == nil {
		panic("stream: nil waker")
	}
	r := &Reader{backlog: defaultBacklog, waker: waker}
	r.cond = sync.NewCond(&r.mu)
	go r.pump(src)
	return r
}

func (r *Reader) pump(src io.Reader) {
	chunk := make([]byte, chunkSize)
	for {
		n, err := src.Read(chunk)

		r.mu.Lock()
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			r.err = err
		}
		for r.err == nil && len(r.buf) >= r.backlog {
			r.cond.Wait()
		}
		done := r.err != nil
		r.mu.Unlock()

		if n > 0 || err != nil {
			r.waker.Wake()
		}
		if done {
			return
		}
	}
}

// Poll reports Readable while data or end of stream is pending, and Failed
// once a read error other than EOF surfaced after the buffer drained.
func (r *Reader) Poll() multiplexer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) > 0 {
		return multiplexer.Readable
	}
	switch {
	case r.err == nil:
		return 0
	case errors.Is(r.err, io.EOF):
		return multiplexer.Readable
	default:
		return multiplexer.Failed
	}
}

// Read copies buffered data into p.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return 0, r.err
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	r.cond.Signal()
	return n, nil
}
