// Package sessions manages SSH connections shared by checks with the same
// credentials.
package sessions

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Extra-Chill/connector-ssh/internal/logging"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 30 * time.Second
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Listener is notified of session state changes on the event loop.
type Listener interface {
	OnConnected(s *Session)
	OnClose(s *Session)
	OnError(s *Session)
}

// Scheduler is the part of the multiplexer a session needs.
type Scheduler interface {
	Schedule(fn func(), delay time.Duration, repeat bool) multiplexer.TaskID
	Wake()
}

// Config holds the dial settings shared by all sessions.
type Config struct {
	// Port is used when the host does not carry one.
	Port           int
	ConnectTimeout time.Duration
	// KnownHostsFile enables host key verification. Host keys are not
	// checked when empty.
	KnownHostsFile string
	// IdentityFiles are private keys tried before the password. Missing
	// files are skipped.
	IdentityFiles []string
	// UseAgent adds the keys of the agent at $SSH_AUTH_SOCK.
	UseAgent bool
}

// Session is one SSH connection. All methods except Wait must be called on
// the event loop.
type Session struct {
	id    string
	creds Credentials
	cfg   Config
	sched Scheduler
	log   zerolog.Logger

	state     State
	client    *ssh.Client
	err       error
	listeners []Listener

	connecting sync.WaitGroup
	abandoned  atomic.Bool
	activity   atomic.Bool
	broken     atomic.Bool
}

// New creates a disconnected session.
func New(creds Credentials, cfg Config, sched Scheduler) *Session {
	if sched == nil {
		panic("sessions: nil scheduler")
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	id := uuid.NewString()
	s := &Session{
		id:    id,
		creds: creds,
		cfg:   cfg,
		sched: sched,
		log: logging.Component("session").With().
			Str("session_id", id).
			Stringer("target", creds).
			Logger(),
	}
	s.log.Trace().Msg("allocating SSH session object")
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Credentials returns the session's credentials.
func (s *Session) Credentials() Credentials { return s.creds }

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// Err returns the connection error of a failed session.
func (s *Session) Err() error { return s.err }

// IsConnected reports whether the session is usable.
func (s *Session) IsConnected() bool { return s.state == Connected }

// Client returns the underlying SSH client, nil unless connected.
func (s *Session) Client() *ssh.Client { return s.client }

// Listen adds a listener. Adding the same listener twice has no effect.
func (s *Session) Listen(l Listener) {
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

// Unlisten removes a listener.
func (s *Session) Unlisten(l Listener) {
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			s.log.Trace().Int("listeners", len(s.listeners)).Msg("session listener removed")
			return
		}
	}
}

// Connect starts the handshake in the background. The outcome is delivered
// to listeners from a task on the event loop. Connecting a connected or
// connecting session does nothing.
func (s *Session) Connect() error {
	switch s.state {
	case Connected, Connecting:
		s.log.Debug().Str("state", s.state.String()).Msg("attempt to connect already opened session")
		return nil
	case Closed, Failed:
		return fmt.Errorf("session %s is %s", s.creds, s.state)
	}

	s.log.Debug().Msg("connecting")
	s.state = Connecting
	s.connecting.Add(1)
	go func() {
		defer s.connecting.Done()
		client, err := dial(s.creds, s.cfg, s.log)
		if s.abandoned.Load() {
			// Closed while dialing; the event loop may already be gone.
			if client != nil {
				s.log.Debug().Msg("session closed while connecting, dropping connection")
				client.Close()
			}
			return
		}
		s.sched.Schedule(func() { s.finishConnect(client, err) }, 0, false)
	}()
	return nil
}

// Wait blocks until a background connect attempt has returned.
func (s *Session) Wait() {
	s.connecting.Wait()
}

func (s *Session) finishConnect(client *ssh.Client, err error) {
	if s.state != Connecting {
		if client != nil {
			s.log.Debug().Msg("session closed while connecting, dropping connection")
			client.Close()
		}
		return
	}

	if err != nil {
		s.log.Error().Err(err).Msg("could not connect session")
		s.state = Failed
		s.err = err
		for _, l := range s.snapshot() {
			l.OnError(s)
		}
		return
	}

	s.log.Info().Msg("session connected")
	s.client = client
	s.state = Connected
	go func() {
		_ = client.Wait()
		s.broken.Store(true)
		s.sched.Wake()
	}()
	for _, l := range s.snapshot() {
		l.OnConnected(s)
	}
}

// Close disconnects the session. Listeners of a connected session are
// notified synchronously. A dial still in flight is dropped once it
// returns; Wait blocks until then.
func (s *Session) Close() {
	previous := s.state
	if previous == Closed || previous == Failed {
		return
	}
	s.state = Closed
	if previous == Connecting {
		s.abandoned.Store(true)
	}
	if previous != Connected {
		return
	}

	s.log.Debug().Msg("gracefully disconnecting")
	if err := s.client.Close(); err != nil {
		s.log.Trace().Err(err).Msg("disconnect error")
	}
	for _, l := range s.snapshot() {
		l.OnClose(s)
	}
}

func (s *Session) snapshot() []Listener {
	return append([]Listener(nil), s.listeners...)
}

// Poll reports activity on the session's channels since the last poll, and
// Failed once the transport dropped.
func (s *Session) Poll() multiplexer.Event {
	if s.state != Connected {
		return 0
	}
	if s.broken.Load() {
		return multiplexer.Failed
	}
	if s.activity.Swap(false) {
		return multiplexer.Readable | multiplexer.Writable
	}
	return 0
}

// NewChannel creates a channel on a connected session.
func (s *Session) NewChannel() (Channel, error) {
	if s.state != Connected {
		return nil, fmt.Errorf("cannot create channel on %s session %s", s.state, s.creds)
	}
	return newChannel(s.client, s.markActivity), nil
}

func (s *Session) markActivity() {
	s.activity.Store(true)
	s.sched.Wake()
}

func dial(creds Credentials, cfg Config, log zerolog.Logger) (*ssh.Client, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(expandHome(cfg.KnownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = callback
	}

	var auth []ssh.AuthMethod
	signers, closeAgent := loadSigners(cfg, log)
	defer closeAgent()
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	auth = append(auth, ssh.Password(creds.Password))

	addr := Address(creds.Host, cfg.Port)
	log.Trace().Str("addr", addr).Int("public_keys", len(signers)).Msg("launching real connection")
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect session %s: %w", creds, err)
	}
	// The timeout covers the handshake too, so a stalled peer cannot hold
	// the dial past it.
	if err := conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not connect session %s: %w", creds, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not connect session %s: %w", creds, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("could not connect session %s: %w", creds, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func loadSigners(cfg Config, log zerolog.Logger) ([]ssh.Signer, func()) {
	var signers []ssh.Signer
	closeAgent := func() {}

	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				log.Debug().Err(err).Msg("ssh agent unavailable")
			} else {
				closeAgent = func() { conn.Close() }
				agentSigners, err := agent.NewClient(conn).Signers()
				if err != nil {
					log.Debug().Err(err).Msg("could not list ssh agent keys")
				}
				signers = append(signers, agentSigners...)
			}
		}
	}

	for _, path := range cfg.IdentityFiles {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Debug().Err(err).Str("identity_file", path).Msg("could not read identity file")
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			log.Debug().Err(err).Str("identity_file", path).Msg("could not parse identity file")
			continue
		}
		signers = append(signers, signer)
	}
	return signers, closeAgent
}

// Address joins host and the default port unless host already has a port.
func Address(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
