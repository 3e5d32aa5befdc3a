// Package policy routes execute orders to shared SSH sessions and reports
// every check result back to the monitoring engine.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Extra-Chill/connector-ssh/internal/audit"
	"github.com/Extra-Chill/connector-ssh/internal/checks"
	"github.com/Extra-Chill/connector-ssh/internal/logging"
	"github.com/Extra-Chill/connector-ssh/internal/mode"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
	"github.com/Extra-Chill/connector-ssh/internal/orders"
	"github.com/Extra-Chill/connector-ssh/internal/reporter"
	"github.com/Extra-Chill/connector-ssh/internal/rules"
	"github.com/Extra-Chill/connector-ssh/internal/sessions"
	"github.com/Extra-Chill/connector-ssh/internal/stream"
)

// Protocol version reported to the monitoring engine.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Config holds the collaborators of a Policy. Nil Rules and Modes let every
// order through; a nil Audit gets a default store.
type Config struct {
	Sessions sessions.Config
	Rules    *rules.Engine
	Modes    *mode.Manager
	Audit    *audit.Logger
}

// Stats is a snapshot of the policy's indices.
type Stats struct {
	Sessions     int
	Checks       int
	Reported     uint64
	DecodeErrors int
}

type sessionEntry struct {
	session  *sessions.Session
	checks   map[uint64]struct{}
	listener *sessionListener
}

type checkEntry struct {
	check   *checks.Check
	session uint64
}

// Policy owns every session and check. All of its methods run on the
// goroutine calling Run.
type Policy struct {
	mux      *multiplexer.Multiplexer
	cfg      Config
	parser   *orders.Parser
	reporter *reporter.Reporter
	in       *stream.Reader
	out      *stream.Writer

	creds    map[sessions.Credentials]uint64
	sessions map[uint64]*sessionEntry
	checks   map[uint64]*checkEntry
	lastID   uint64

	pendingDestroy int
	quit           bool
	failed         error
	decodeErrors   int
	log            zerolog.Logger
}

// New wires a policy reading orders from in and writing reports to out.
func New(mux *multiplexer.Multiplexer, in io.Reader, out io.Writer, cfg Config) *Policy {
	if mux == nil {
		panic("policy: nil multiplexer")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(audit.NewStore(0))
	}
	p := &Policy{
		mux:      mux,
		cfg:      cfg,
		parser:   orders.NewParser(),
		reporter: reporter.New(),
		in:       stream.NewReader(in, mux),
		out:      stream.NewWriter(out, mux),
		creds:    make(map[sessions.Credentials]uint64),
		sessions: make(map[uint64]*sessionEntry),
		checks:   make(map[uint64]*checkEntry),
		log:      logging.Component("policy"),
	}

	mux.Register(p.out, p.reporter)
	p.parser.Listen(orderListener{p})
	mux.Register(p.in, p.parser)
	return p
}

// Run multiplexes until intake stops (end of input, quit order, input
// failure or ctx cancellation), then until every check reported and the
// reports are flushed. It returns an error if the input failed or the
// reports could not be delivered.
func (p *Policy) Run(ctx context.Context) error {
	for !p.quit {
		if ctx.Err() != nil {
			p.log.Info().Msg("termination request received")
			p.stopIntake()
			break
		}
		// Multiplex only fails when ctx is done, which the loop handles.
		_ = p.mux.Multiplex(ctx)
	}

	drain := context.Background()
	p.log.Info().Int("checks", len(p.checks)).Msg("waiting for checks to terminate")
	for len(p.checks) > 0 || p.pendingDestroy > 0 {
		if err := p.mux.Multiplex(drain); err != nil {
			return fmt.Errorf("multiplex: %w", err)
		}
	}

	p.log.Info().Int("bytes", p.reporter.Buffered()).Msg("reporting last data to monitoring engine")
	for p.reporter.CanReport() && p.reporter.Buffered() > 0 {
		if err := p.mux.Multiplex(drain); err != nil {
			return fmt.Errorf("multiplex: %w", err)
		}
	}

	p.closeSessions()
	p.mux.Unregister(p.out)
	flushErr := p.out.Close()

	switch {
	case p.failed != nil:
		return p.failed
	case !p.reporter.CanReport():
		return errors.New("could not deliver every report")
	case flushErr != nil:
		return fmt.Errorf("flush reports: %w", flushErr)
	}
	return nil
}

// Stats returns the current index sizes.
func (p *Policy) Stats() Stats {
	return Stats{
		Sessions:     len(p.sessions),
		Checks:       len(p.checks),
		Reported:     p.reporter.Reported(),
		DecodeErrors: p.decodeErrors,
	}
}

// Audit returns the audit logger.
func (p *Policy) Audit() *audit.Logger {
	return p.cfg.Audit
}

func (p *Policy) stopIntake() {
	if p.quit {
		return
	}
	p.quit = true
	p.mux.Unregister(p.in)
}

func (p *Policy) nextID() uint64 {
	p.lastID++
	return p.lastID
}

//
// Orders.
//

func (p *Policy) onExecute(id uint64, timeout time.Duration, host, user, password, command string) {
	creds := sessions.Credentials{Host: host, User: user, Password: password}
	log := p.log.With().Uint64("command_id", id).Stringer("target", creds).Logger()
	log.Debug().Str("command", command).Msg("request to execute command")

	if p.quit {
		log.Error().Msg("order received after intake stopped")
		p.reportEmpty(id, creds.String())
		return
	}
	if id == 0 {
		log.Error().Err(checks.ErrInvalidID).Msg("could not launch check")
		p.reportEmpty(id, creds.String())
		return
	}
	if p.blocked(id, creds, command) {
		p.reportEmpty(id, creds.String())
		return
	}

	sid, ok := p.creds[creds]
	if !ok {
		var err error
		sid, err = p.addSession(creds)
		if err != nil {
			log.Error().Err(err).Msg("could not launch check")
			p.reportEmpty(id, creds.String())
			return
		}
	}
	entry := p.sessions[sid]

	c, err := checks.New(id, command, timeout, p.mux)
	if err != nil {
		log.Error().Err(err).Msg("could not launch check")
		p.reportEmpty(id, creds.String())
		return
	}
	cid := p.nextID()
	c.Listen(&checkListener{p: p, id: cid, target: creds.String()})
	p.checks[cid] = &checkEntry{check: c, session: sid}
	entry.checks[cid] = struct{}{}
	p.cfg.Audit.LogCommand(entry.session.ID(), id, creds.String(), command)

	if entry.session.IsConnected() {
		if err := c.Execute(entry.session); err != nil {
			log.Error().Err(err).Msg("could not launch check")
			p.removeCheck(cid)
		}
	}
}

// blocked applies the rules and the host mode to an order.
func (p *Policy) blocked(id uint64, creds sessions.Credentials, command string) bool {
	if p.cfg.Rules == nil && p.cfg.Modes == nil {
		return false
	}
	host := rules.NormalizeHost(creds.Host)

	ruleBlocked, reason := false, "allowed by default policy"
	if p.cfg.Rules != nil {
		var allowed bool
		allowed, _, reason = p.cfg.Rules.CheckOrder(creds.Host, command)
		ruleBlocked = !allowed
	}

	block := ruleBlocked
	if p.cfg.Modes != nil {
		block = p.cfg.Modes.ShouldBlock(host, ruleBlocked)
		switch {
		case block && !ruleBlocked:
			reason = "host is in lockdown"
		case ruleBlocked && p.cfg.Modes.IsAudit(host):
			p.log.Warn().Uint64("command_id", id).Stringer("target", creds).Str("reason", reason).
				Msg("order would be blocked, running it in audit mode")
		}
	}

	if block {
		p.log.Warn().Uint64("command_id", id).Stringer("target", creds).Str("reason", reason).Msg("order blocked")
		p.cfg.Audit.LogBlocked(id, creds.String(), reason)
	}
	return block
}

func (p *Policy) reportEmpty(id uint64, target string) {
	p.cfg.Audit.LogResult(id, target, false, 0)
	p.reporter.SendResult(checks.Empty(id))
}

func (p *Policy) onVersion() {
	p.log.Debug().Msg("monitoring engine requested protocol version")
	p.reporter.SendVersion(VersionMajor, VersionMinor)
}

func (p *Policy) onQuit() {
	p.log.Info().Msg("quit request received")
	p.stopIntake()
}

func (p *Policy) onEOF() {
	p.log.Info().Msg("order input is closed")
	p.stopIntake()
}

func (p *Policy) onOrderError(err error) {
	var decodeErr *orders.DecodeError
	if errors.As(err, &decodeErr) {
		p.decodeErrors++
		p.log.Error().Err(err).Msg("ignoring malformed order")
		return
	}
	p.log.Error().Err(err).Msg("error occurred while reading orders")
	if p.failed == nil {
		p.failed = err
	}
	p.stopIntake()
}

//
// Sessions.
//

func (p *Policy) addSession(creds sessions.Credentials) (uint64, error) {
	sid := p.nextID()
	s := sessions.New(creds, p.cfg.Sessions, p.mux)
	l := &sessionListener{p: p, id: sid}
	s.Listen(l)
	p.creds[creds] = sid
	p.sessions[sid] = &sessionEntry{session: s, checks: make(map[uint64]struct{}), listener: l}

	p.log.Debug().Stringer("target", creds).Str("session_id", s.ID()).Msg("creating session")
	if err := s.Connect(); err != nil {
		p.removeSession(sid)
		return 0, err
	}
	return sid, nil
}

func (p *Policy) onConnected(sid uint64) {
	entry, ok := p.sessions[sid]
	if !ok {
		return
	}
	s := entry.session
	p.log.Info().Stringer("target", s.Credentials()).Msg("session successfully connected")
	p.cfg.Audit.LogConnect(s.ID(), s.Credentials().String())

	p.mux.Register(s, &handleListener{p: p, id: sid})
	for _, cid := range sortedIDs(entry.checks) {
		ce, ok := p.checks[cid]
		if !ok {
			continue
		}
		if err := ce.check.Execute(s); err != nil {
			p.log.Error().Err(err).Uint64("command_id", ce.check.ID()).Msg("could not launch check")
			p.removeCheck(cid)
		}
	}
}

func (p *Policy) onSessionError(sid uint64) {
	entry, ok := p.sessions[sid]
	if !ok {
		return
	}
	s := entry.session
	p.log.Error().Err(s.Err()).Stringer("target", s.Credentials()).Msg("error occurred on session")
	p.cfg.Audit.LogError(s.ID(), s.Credentials().String(), s.Err())
	p.removeSession(sid)
}

func (p *Policy) onSessionClose(sid uint64) {
	entry, ok := p.sessions[sid]
	if !ok {
		return
	}
	s := entry.session
	p.log.Info().Stringer("target", s.Credentials()).Msg("session got closed")
	p.cfg.Audit.LogDisconnect(s.ID(), s.Credentials().String())
	p.removeSession(sid)
}

// removeSession unlinks a session and its checks. Destruction happens in a
// later task.
func (p *Policy) removeSession(sid uint64) {
	entry, ok := p.sessions[sid]
	if !ok {
		return
	}
	s := entry.session
	s.Unlisten(entry.listener)
	p.mux.Unregister(s)

	for _, cid := range sortedIDs(entry.checks) {
		p.removeCheck(cid)
	}
	if p.creds[s.Credentials()] == sid {
		delete(p.creds, s.Credentials())
	}
	delete(p.sessions, sid)

	p.pendingDestroy++
	p.mux.Schedule(func() {
		p.pendingDestroy--
		s.Close()
	}, 0, false)
}

func (p *Policy) closeSessions() {
	entries := make([]*sessionEntry, 0, len(p.sessions))
	for _, entry := range p.sessions {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].session.Credentials().Compare(entries[j].session.Credentials()) < 0
	})
	var dialing []*sessions.Session
	for _, entry := range entries {
		entry.session.Unlisten(entry.listener)
		p.mux.Unregister(entry.session)
		switch entry.session.State() {
		case sessions.Connected:
			p.cfg.Audit.LogDisconnect(entry.session.ID(), entry.session.Credentials().String())
		case sessions.Connecting:
			dialing = append(dialing, entry.session)
		}
		entry.session.Close()
	}
	clear(p.sessions)
	clear(p.creds)
	p.joinDials(dialing)
}

// joinDials waits, at most one connect timeout, for dials of sessions closed
// while connecting, then runs the completions already queued so every late
// client is closed before Run returns.
func (p *Policy) joinDials(dialing []*sessions.Session) {
	if len(dialing) > 0 {
		limit := p.cfg.Sessions.ConnectTimeout
		if limit <= 0 {
			limit = sessions.DefaultConnectTimeout
		}
		limit += time.Second
		p.log.Info().Int("sessions", len(dialing)).Msg("waiting for pending connections")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, s := range dialing {
				s.Wait()
			}
		}()
		timer := time.NewTimer(limit)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			p.log.Warn().Dur("waited", limit).Msg("connections still pending at shutdown")
		}
	}

	// A done context lets Multiplex run due tasks without blocking.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.mux.Multiplex(ctx)
}

//
// Checks.
//

func (p *Policy) onResult(cid uint64, target string, r checks.Result) {
	if _, ok := p.checks[cid]; ok {
		p.removeCheck(cid)
	}
	p.cfg.Audit.LogResult(r.CommandID, target, r.Executed, r.ExitCode)
	p.reporter.SendResult(r)
}

// removeCheck unlinks a check. Destroy runs in a later task and reports an
// empty result if the check never did.
func (p *Policy) removeCheck(cid uint64) {
	entry, ok := p.checks[cid]
	if !ok {
		return
	}
	if se, ok := p.sessions[entry.session]; ok {
		delete(se.checks, cid)
	}
	delete(p.checks, cid)

	p.pendingDestroy++
	c := entry.check
	p.mux.Schedule(func() {
		p.pendingDestroy--
		c.Destroy()
	}, 0, false)
}

// processIO runs every check of a session once.
func (p *Policy) processIO(sid uint64, write bool) {
	entry, ok := p.sessions[sid]
	if !ok {
		return
	}
	for _, cid := range sortedIDs(entry.checks) {
		ce, ok := p.checks[cid]
		if !ok {
			continue
		}
		if write && !ce.check.WantWrite() || !write && !ce.check.WantRead() {
			continue
		}
		ce.check.Run()
	}
}

func (p *Policy) wants(sid uint64, write bool) bool {
	entry, ok := p.sessions[sid]
	if !ok {
		return false
	}
	for cid := range entry.checks {
		ce, ok := p.checks[cid]
		if !ok {
			continue
		}
		if write && ce.check.WantWrite() || !write && ce.check.WantRead() {
			return true
		}
	}
	return false
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
