package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("stream: writer closed")

// Writer accepts writes without blocking, up to a fixed capacity, and
// flushes them to the destination from a pump goroutine. Write returns a
// short count when the buffer is full; callers retry on the next Writable
// event.
type Writer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	capacity int
	err      error
	closed   bool
	done     chan struct{}
	waker    Waker
}

// NewWriter starts flushing to dst. The waker is called whenever buffer
// space frees up or a write error occurs.
func NewWriter(dst io.Writer, waker Waker) *Writer {
	return NewWriterSize(dst, waker, defaultBacklog)
}

// NewWriterSize is NewWriter with an explicit buffer capacity.
func NewWriterSize(dst io.Writer, waker Waker, capacity int) *Writer {
	if dst == nil {
		panic("stream: nil destination")
	}
	if waker == nil {
		panic("stream: nil waker")
	}
	if capacity <= 0 {
		capacity = defaultBacklog
	}
	w := &Writer{
		capacity: capacity,
		done:     make(chan struct{}),
		waker:    waker,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.pump(dst)
	return w
}

func (w *Writer) pump(dst io.Writer) {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.buf) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.buf) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		pending := w.buf
		w.mu.Unlock()

		n, err := dst.Write(pending)

		w.mu.Lock()
		w.buf = w.buf[n:]
		if err != nil {
			w.err = err
			w.buf = nil
		}
		w.cond.Broadcast()
		w.mu.Unlock()

		w.waker.Wake()
		if err != nil {
			return
		}
	}
}

// Poll reports Writable while buffer space is available, Failed after a
// write error.
func (w *Writer) Poll() multiplexer.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return multiplexer.Failed
	}
	if w.closed || len(w.buf) >= w.capacity {
		return 0
	}
	return multiplexer.Writable
}

// Write buffers as much of p as fits.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrClosed
	}
	n := w.capacity - len(w.buf)
	if n > len(p) {
		n = len(p)
	}
	if n <= 0 {
		return 0, nil
	}
	w.buf = append(w.buf, p[:n]...)
	w.cond.Broadcast()
	return n, nil
}

// Buffered returns the number of bytes not yet flushed.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Close stops accepting writes and blocks until buffered data is flushed
// or the destination failed.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
