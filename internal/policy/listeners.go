package policy

import (
	"time"

	"github.com/Extra-Chill/connector-ssh/internal/checks"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
	"github.com/Extra-Chill/connector-ssh/internal/sessions"
)

// Each role carries the arena id of the object it listens to, so the policy
// never keeps pointers between sessions and checks.

type orderListener struct {
	p *Policy
}

func (l orderListener) OnEOF() { l.p.onEOF() }
func (l orderListener) OnError(err error) { l.p.onOrderError(err) }
func (l orderListener) OnQuit() { l.p.onQuit() }
func (l orderListener) OnVersion() { l.p.onVersion() }

func (l orderListener) OnExecute(id uint64, timeout time.Duration, host, user, password, command string) {
	l.p.onExecute(id, timeout, host, user, password, command)
}

type sessionListener struct {
	p  *Policy
	id uint64
}

func (l *sessionListener) OnConnected(*sessions.Session) { l.p.onConnected(l.id) }
func (l *sessionListener) OnClose(*sessions.Session) { l.p.onSessionClose(l.id) }
func (l *sessionListener) OnError(*sessions.Session) { l.p.onSessionError(l.id) }

type checkListener struct {
	p      *Policy
	id     uint64
	target string
}

func (l *checkListener) OnResult(r checks.Result, _ *checks.Check) {
	l.p.onResult(l.id, l.target, r)
}

// handleListener fans session readiness out to the session's checks.
type handleListener struct {
	p  *Policy
	id uint64
}

func (l *handleListener) WantRead(multiplexer.Handle) bool { return l.p.wants(l.id, false) }
func (l *handleListener) WantWrite(multiplexer.Handle) bool { return l.p.wants(l.id, true) }
func (l *handleListener) Read(multiplexer.Handle) { l.p.processIO(l.id, false) }
func (l *handleListener) Write(multiplexer.Handle) { l.p.processIO(l.id, true) }

func (l *handleListener) Error(multiplexer.Handle) {
	entry, ok := l.p.sessions[l.id]
	if !ok {
		return
	}
	s := entry.session
	l.p.log.Error().Stringer("target", s.Credentials()).Msg("session transport failed")
	l.p.cfg.Audit.LogError(s.ID(), s.Credentials().String(), s.Err())
	l.p.removeSession(l.id)
}
