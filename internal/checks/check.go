// Package checks runs one remote command per check through a small
// non-blocking state machine.
package checks

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Extra-Chill/connector-ssh/internal/logging"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
	"github.com/Extra-Chill/connector-ssh/internal/sessions"
)

var (
	ErrInvalidID       = errors.New("invalid command ID 0")
	ErrNotConnected    = errors.New("session is not connected")
	ErrAlreadyExecuted = errors.New("check already executed")
)

// Step is the position of a check in its state machine.
type Step int

const (
	StepOpen Step = iota
	StepExec
	StepRead
	StepClose
)

func (s Step) String() string {
	switch s {
	case StepOpen:
		return "open"
	case StepExec:
		return "exec"
	case StepRead:
		return "read"
	case StepClose:
		return "close"
	default:
		return "invalid"
	}
}

// Session is the part of a session a check runs on.
type Session interface {
	IsConnected() bool
	NewChannel() (sessions.Channel, error)
	Credentials() sessions.Credentials
}

// Scheduler arms and cancels the check timeout.
type Scheduler interface {
	Schedule(fn func(), delay time.Duration, repeat bool) multiplexer.TaskID
	Cancel(id multiplexer.TaskID) bool
}

// Listener receives the single result of a check.
type Listener interface {
	OnResult(r Result, c *Check)
}

// Check executes one command. All methods run on the event loop.
type Check struct {
	id      uint64
	command string
	step    Step

	session  Session
	channel  sessions.Channel
	listener Listener
	sched    Scheduler
	timeout  multiplexer.TaskID

	stdout strings.Builder
	stderr strings.Builder
	log    zerolog.Logger
}

// New creates a check and arms its timeout.
func New(id uint64, command string, timeout time.Duration, sched Scheduler) (*Check, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	if sched == nil {
		panic("checks: nil scheduler")
	}
	c := &Check{
		id:      id,
		command: command,
		sched:   sched,
		log:     logging.Component("check").With().Uint64("command_id", id).Logger(),
	}
	c.log.Debug().Dur("timeout", timeout).Msg("registering check timeout")
	c.timeout = sched.Schedule(c.onTimeout, timeout, false)
	return c, nil
}

// ID returns the command id, zero once the result was sent.
func (c *Check) ID() uint64 { return c.id }

// Command returns the command line.
func (c *Check) Command() string { return c.command }

// Step returns the current step.
func (c *Check) Step() Step { return c.step }

// Listen sets the result listener.
func (c *Check) Listen(l Listener) { c.listener = l }

// Unlisten removes the listener if it is l.
func (c *Check) Unlisten(l Listener) {
	if c.listener == l {
		c.listener = nil
	}
}

// Execute binds the check to a connected session and starts it.
func (c *Check) Execute(s Session) error {
	if s == nil || !s.IsConnected() {
		return fmt.Errorf("cannot run check %d: %w", c.id, ErrNotConnected)
	}
	if c.channel != nil || c.id == 0 {
		return fmt.Errorf("cannot run check %d: %w", c.id, ErrAlreadyExecuted)
	}
	channel, err := s.NewChannel()
	if err != nil {
		return fmt.Errorf("create channel for check %d: %w", c.id, err)
	}
	c.session = s
	c.channel = channel

	c.log.Debug().Stringer("target", s.Credentials()).Msg("launching check")
	c.Run()
	return nil
}

// WantRead is true while the check is in flight.
func (c *Check) WantRead() bool {
	return c.channel != nil && c.id != 0
}

// WantWrite is true while in flight, except while reading output.
func (c *Check) WantWrite() bool {
	return c.WantRead() && c.step != StepRead
}

// Run advances the state machine as far as the channel allows.
func (c *Check) Run() {
	if c.channel == nil || c.id == 0 {
		return
	}
	for {
		var err error
		switch c.step {
		case StepOpen:
			err = c.channel.Open()
		case StepExec:
			err = c.channel.Exec(c.command)
		case StepRead:
			err = c.read()
		case StepClose:
			err = c.close()
		default:
			err = fmt.Errorf("check requested to run at invalid step %d", c.step)
		}

		if errors.Is(err, sessions.ErrAgain) {
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		if c.step == StepClose {
			return
		}
		c.log.Trace().Stringer("step", c.step).Msg("check step done")
		c.step++
	}
}

func (c *Check) read() error {
	buf := make([]byte, 4096)
	for _, stderr := range []bool{false, true} {
		out := &c.stdout
		if stderr {
			out = &c.stderr
		}
		for {
			n, err := c.channel.Read(buf, stderr)
			out.Write(buf[:n])
			if errors.Is(err, sessions.ErrAgain) || errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read command output: %w", err)
			}
		}
	}
	if !c.channel.EOF() {
		return sessions.ErrAgain
	}
	return nil
}

func (c *Check) close() error {
	if err := c.channel.Close(); err != nil {
		return err
	}
	exitCode := c.channel.ExitStatus()
	c.channel = nil
	c.log.Debug().Int("exit_code", exitCode).Msg("channel of check successfully closed")
	c.sendResultAndUnregister(Result{
		CommandID: c.id,
		Executed:  true,
		ExitCode:  exitCode,
		Error:     c.stderr.String(),
		Output:    c.stdout.String(),
	})
	return nil
}

func (c *Check) fail(err error) {
	event := c.log.Error().Err(err)
	if c.session != nil {
		event = event.Stringer("target", c.session.Credentials())
	}
	event.Msg("error occurred while executing check")
	c.sendResultAndUnregister(Empty(c.id))
}

func (c *Check) onTimeout() {
	c.log.Error().Msg("check reached timeout")
	c.timeout = 0
	c.sendResultAndUnregister(Empty(c.id))
}

// Destroy sends the empty result if none was sent yet and releases the
// channel.
func (c *Check) Destroy() {
	c.sendResultAndUnregister(Empty(c.id))
	if c.channel != nil {
		c.log.Trace().Msg("aborting channel of check")
		c.channel.Abort()
		c.channel = nil
	}
}

func (c *Check) sendResultAndUnregister(r Result) {
	if c.timeout != 0 {
		c.sched.Cancel(c.timeout)
		c.timeout = 0
	}
	c.session = nil

	if c.id == 0 {
		return
	}
	c.id = 0
	if c.listener != nil {
		c.listener.OnResult(r, c)
	}
}
