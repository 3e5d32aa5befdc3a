package sessions

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ErrAgain means the operation is still in progress. The caller retries on
// the next readiness event of the owning session.
var ErrAgain = errors.New("operation would block")

// Channel runs one remote command without blocking the caller.
type Channel interface {
	// Open opens the channel.
	Open() error
	// Exec starts the command on an open channel.
	Exec(command string) error
	// Read drains buffered stdout (or stderr) data. It returns ErrAgain when
	// nothing is buffered yet and io.EOF once the stream is exhausted.
	Read(p []byte, stderr bool) (int, error)
	// EOF reports whether both output streams are exhausted.
	EOF() bool
	// Close waits for the exit status and frees the channel.
	Close() error
	// ExitStatus is valid after Close succeeded. A missing status is -1.
	ExitStatus() int
	// Abort releases the channel in the background, whatever its state.
	Abort()
}

// pending tracks one blocking call running in its own goroutine.
type pending struct {
	done chan struct{}
	err  error
}

func start(fn func() error, notify func()) *pending {
	p := &pending{done: make(chan struct{})}
	go func() {
		p.err = fn()
		close(p.done)
		notify()
	}()
	return p
}

// poll returns ErrAgain until the call completed, then its result.
func (p *pending) poll() error {
	select {
	case <-p.done:
		return p.err
	default:
		return ErrAgain
	}
}

type output struct {
	mu   sync.Mutex
	buf  []byte
	err  error
	done bool
}

func (o *output) pump(r io.Reader, notify func()) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		o.mu.Lock()
		o.buf = append(o.buf, chunk[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.err = err
			}
			o.done = true
		}
		o.mu.Unlock()
		notify()
		if err != nil {
			return
		}
	}
}

func (o *output) read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) > 0 {
		n := copy(p, o.buf)
		o.buf = o.buf[n:]
		return n, nil
	}
	switch {
	case o.err != nil:
		return 0, o.err
	case o.done:
		return 0, io.EOF
	default:
		return 0, ErrAgain
	}
}

func (o *output) exhausted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done && len(o.buf) == 0
}

// channel is the Channel of a connected Session. Its methods are called from
// the event loop only; blocking ssh calls run in goroutines that report back
// through notify.
type channel struct {
	client *ssh.Client
	notify func()

	session *ssh.Session
	stdout  output
	stderr  output

	opening *pending
	execing *pending
	closing *pending

	// Written by operation goroutines, read once their pending is done.
	opened *ssh.Session
	waited int

	exitStatus int
	closed     bool
	aborted    bool
}

func newChannel(client *ssh.Client, notify func()) *channel {
	return &channel{client: client, notify: notify, exitStatus: -1}
}

func (c *channel) Open() error {
	if c.aborted || c.closed {
		return errors.New("channel is closed")
	}
	if c.session != nil {
		return nil
	}
	if c.opening == nil {
		c.opening = start(func() error {
			s, err := c.client.NewSession()
			if err != nil {
				return fmt.Errorf("open SSH channel: %w", err)
			}
			c.opened = s
			return nil
		}, c.notify)
	}
	if err := c.opening.poll(); err != nil {
		return err
	}
	c.session = c.opened
	return nil
}

func (c *channel) Exec(command string) error {
	if c.session == nil {
		return errors.New("channel is not open")
	}
	if c.execing == nil {
		session := c.session
		stdout, err := session.StdoutPipe()
		if err != nil {
			return fmt.Errorf("attach stdout: %w", err)
		}
		stderr, err := session.StderrPipe()
		if err != nil {
			return fmt.Errorf("attach stderr: %w", err)
		}
		c.execing = start(func() error {
			if err := session.Start(command); err != nil {
				return fmt.Errorf("execute command on SSH channel: %w", err)
			}
			go c.stdout.pump(stdout, c.notify)
			go c.stderr.pump(stderr, c.notify)
			return nil
		}, c.notify)
	}
	return c.execing.poll()
}

func (c *channel) Read(p []byte, stderr bool) (int, error) {
	if stderr {
		return c.stderr.read(p)
	}
	return c.stdout.read(p)
}

func (c *channel) EOF() bool {
	return c.stdout.exhausted() && c.stderr.exhausted()
}

func (c *channel) Close() error {
	if c.closed {
		return nil
	}
	if c.session == nil {
		return errors.New("channel requested to close whereas it was not opened")
	}
	if c.closing == nil {
		session := c.session
		c.closing = start(func() error {
			code, err := exitCode(session.Wait())
			c.waited = code
			return err
		}, c.notify)
	}
	if err := c.closing.poll(); err != nil {
		return err
	}
	c.exitStatus = c.waited
	c.closed = true
	_ = c.session.Close()
	return nil
}

func (c *channel) ExitStatus() int {
	return c.exitStatus
}

func (c *channel) Abort() {
	if c.aborted || c.closed {
		return
	}
	c.aborted = true
	if c.session != nil {
		session := c.session
		go session.Close()
		return
	}
	if c.opening != nil {
		opening := c.opening
		go func() {
			<-opening.done
			if c.opened != nil {
				c.opened.Close()
			}
		}()
	}
}

// exitCode maps the result of ssh.Session.Wait to an exit status.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, fmt.Errorf("close SSH channel: %w", err)
}
