package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
)

type countingWaker struct {
	mu    sync.Mutex
	count int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReaderDeliversDataThenEOF(t *testing.T) {
	waker := &countingWaker{}
	r := NewReader(strings.NewReader("hello"), waker)

	waitFor(t, func() bool { return r.Poll()&multiplexer.Readable != 0 })

	var got bytes.Buffer
	buf := make([]byte, 2)
	for {
		n, err := r.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if got.String() != "hello" {
		t.Fatalf("expected hello, got %q", got.String())
	}
	if r.Poll() != multiplexer.Readable {
		t.Fatal("expected EOF to keep the reader readable")
	}
	waker.mu.Lock()
	defer waker.mu.Unlock()
	if waker.count == 0 {
		t.Fatal("expected waker to be called")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReaderReportsFailure(t *testing.T) {
	r := NewReader(failingReader{}, &countingWaker{})
	waitFor(t, func() bool { return r.Poll() == multiplexer.Failed })

	if _, err := r.Read(make([]byte, 8)); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}

type blockingWriter struct {
	mu      sync.Mutex
	release chan struct{}
	out     bytes.Buffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

func TestWriterPartialWrites(t *testing.T) {
	dst := &blockingWriter{release: make(chan struct{})}
	w := NewWriterSize(dst, &countingWaker{}, 4)

	n, err := w.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected short write of 4, got %d", n)
	}
	if w.Poll() != 0 {
		t.Fatal("expected full writer to not be writable")
	}

	close(dst.release)
	waitFor(t, func() bool { return w.Poll() == multiplexer.Writable })

	n, err = w.Write([]byte("ef"))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 bytes written, got %d (%v)", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.out.String() != "abcdef" {
		t.Fatalf("expected abcdef, got %q", dst.out.String())
	}
	if _, err := w.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriterFailure(t *testing.T) {
	w := NewWriter(brokenWriter{}, &countingWaker{})
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return w.Poll() == multiplexer.Failed })
	if err := w.Close(); err != io.ErrClosedPipe {
		t.Fatalf("expected ErrClosedPipe from close, got %v", err)
	}
}
