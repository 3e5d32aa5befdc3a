package checks

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
	"github.com/Extra-Chill/connector-ssh/internal/sessions"
)

type chunk struct {
	data   string
	stderr bool
}

// fakeChannel replays a script. Each operation returns ErrAgain as many
// times as configured before succeeding.
type fakeChannel struct {
	openAgain  int
	execAgain  int
	closeAgain int
	openErr    error
	readErr    error

	chunks   []chunk
	eof      bool
	exit     int
	executed string
	aborted  bool
}

func (f *fakeChannel) Open() error {
	if f.openAgain > 0 {
		f.openAgain--
		return sessions.ErrAgain
	}
	return f.openErr
}

func (f *fakeChannel) Exec(command string) error {
	if f.execAgain > 0 {
		f.execAgain--
		return sessions.ErrAgain
	}
	f.executed = command
	return nil
}

func (f *fakeChannel) Read(p []byte, stderr bool) (int, error) {
	if len(f.chunks) > 0 && f.chunks[0].stderr == stderr {
		n := copy(p, f.chunks[0].data)
		f.chunks[0].data = f.chunks[0].data[n:]
		if f.chunks[0].data == "" {
			f.chunks = f.chunks[1:]
		}
		return n, nil
	}
	if f.readErr != nil && len(f.chunks) == 0 {
		return 0, f.readErr
	}
	if f.eof && len(f.chunks) == 0 {
		return 0, io.EOF
	}
	return 0, sessions.ErrAgain
}

func (f *fakeChannel) EOF() bool { return f.eof && len(f.chunks) == 0 }

func (f *fakeChannel) Close() error {
	if f.closeAgain > 0 {
		f.closeAgain--
		return sessions.ErrAgain
	}
	return nil
}

func (f *fakeChannel) ExitStatus() int { return f.exit }
func (f *fakeChannel) Abort() { f.aborted = true }

type fakeSession struct {
	connected bool
	channel   *fakeChannel
}

func (s *fakeSession) IsConnected() bool { return s.connected }

func (s *fakeSession) NewChannel() (sessions.Channel, error) {
	return s.channel, nil
}

func (s *fakeSession) Credentials() sessions.Credentials {
	return sessions.Credentials{Host: "db1", User: "nagios", Password: "secret"}
}

type results struct {
	got []Result
}

func (r *results) OnResult(res Result, c *Check) {
	r.got = append(r.got, res)
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newCheck(t *testing.T, id uint64, timeout time.Duration) (*Check, *results, *multiplexer.Multiplexer, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mux := multiplexer.NewWithClock(clk.Now)
	c, err := New(id, "check_disk -w 80", timeout, mux)
	if err != nil {
		t.Fatalf("new check: %v", err)
	}
	r := &results{}
	c.Listen(r)
	return c, r, mux, clk
}

func TestCheckRunsToCompletionInOneCall(t *testing.T) {
	c, r, mux, _ := newCheck(t, 42, 10*time.Second)
	ch := &fakeChannel{
		chunks: []chunk{{data: "DISK OK"}, {data: "warning: slow\n", stderr: true}},
		eof:    true,
		exit:   1,
	}

	if err := c.Execute(&fakeSession{connected: true, channel: ch}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(r.got) != 1 {
		t.Fatalf("expected one result, got %d", len(r.got))
	}
	want := Result{CommandID: 42, Executed: true, ExitCode: 1, Error: "warning: slow\n", Output: "DISK OK"}
	if r.got[0] != want {
		t.Fatalf("expected %+v, got %+v", want, r.got[0])
	}
	if ch.executed != "check_disk -w 80" {
		t.Fatalf("unexpected command %q", ch.executed)
	}
	if c.ID() != 0 {
		t.Fatal("expected command id to be consumed")
	}
	if mux.Pending() != 0 {
		t.Fatal("expected timeout task to be cancelled")
	}

	c.Destroy()
	if len(r.got) != 1 {
		t.Fatal("destroy must not emit a second result")
	}
}

func TestCheckRetriesOnErrAgain(t *testing.T) {
	c, r, _, _ := newCheck(t, 7, 10*time.Second)
	ch := &fakeChannel{openAgain: 2, execAgain: 1, closeAgain: 1}

	if err := c.Execute(&fakeSession{connected: true, channel: ch}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if c.Step() != StepOpen || !c.WantRead() || !c.WantWrite() {
		t.Fatalf("expected pending open with read/write interest, got %s", c.Step())
	}

	c.Run()
	c.Run()
	if c.Step() != StepExec {
		t.Fatalf("expected exec step, got %s", c.Step())
	}
	c.Run()
	if c.Step() != StepRead || c.WantWrite() {
		t.Fatalf("expected read step without write interest, got %s", c.Step())
	}

	ch.chunks = []chunk{{data: "ok\n"}}
	c.Run()
	if c.Step() != StepRead || len(r.got) != 0 {
		t.Fatal("expected check to keep reading until EOF")
	}

	ch.eof = true
	c.Run()
	if c.Step() != StepClose || len(r.got) != 0 {
		t.Fatalf("expected pending close, got %s", c.Step())
	}
	c.Run()
	if len(r.got) != 1 || !r.got[0].Executed || r.got[0].Output != "ok\n" {
		t.Fatalf("unexpected results %+v", r.got)
	}
}

func TestCheckFailureDiscardsPartialOutput(t *testing.T) {
	c, r, _, _ := newCheck(t, 9, 10*time.Second)
	ch := &fakeChannel{
		chunks:  []chunk{{data: "partial output"}},
		readErr: errors.New("channel reset"),
	}

	if err := c.Execute(&fakeSession{connected: true, channel: ch}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(r.got) != 1 {
		t.Fatalf("expected one result, got %d", len(r.got))
	}
	if r.got[0] != Empty(9) {
		t.Fatalf("expected empty result, got %+v", r.got[0])
	}

	c.Destroy()
	if !ch.aborted {
		t.Fatal("expected failed channel to be aborted on destroy")
	}
}

func TestCheckOpenFailure(t *testing.T) {
	c, r, _, _ := newCheck(t, 11, 10*time.Second)
	ch := &fakeChannel{openErr: errors.New("administratively prohibited")}

	if err := c.Execute(&fakeSession{connected: true, channel: ch}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(r.got) != 1 || r.got[0] != Empty(11) {
		t.Fatalf("expected empty result, got %+v", r.got)
	}
}

func TestCheckTimeout(t *testing.T) {
	c, r, mux, clk := newCheck(t, 5, 5*time.Second)
	ch := &fakeChannel{chunks: []chunk{{data: "slow"}}}

	if err := c.Execute(&fakeSession{connected: true, channel: ch}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(r.got) != 0 {
		t.Fatal("expected no result before timeout")
	}

	clk.now = clk.now.Add(5 * time.Second)
	if err := mux.Multiplex(context.Background()); err != nil {
		t.Fatalf("multiplex: %v", err)
	}

	if len(r.got) != 1 || r.got[0] != Empty(5) {
		t.Fatalf("expected empty result on timeout, got %+v", r.got)
	}
	if c.WantRead() {
		t.Fatal("expected timed out check to stop reading")
	}

	c.Destroy()
	if len(r.got) != 1 {
		t.Fatal("destroy must not emit a second result")
	}
	if !ch.aborted {
		t.Fatal("expected in-flight channel to be aborted")
	}
}

func TestCheckDestroySendsEmptyResult(t *testing.T) {
	c, r, mux, _ := newCheck(t, 3, time.Minute)

	c.Destroy()

	if len(r.got) != 1 || r.got[0] != Empty(3) {
		t.Fatalf("expected empty result, got %+v", r.got)
	}
	if mux.Pending() != 0 {
		t.Fatal("expected timeout to be cancelled")
	}
}

func TestCheckUnlistenSuppressesResult(t *testing.T) {
	c, r, _, _ := newCheck(t, 3, time.Minute)
	c.Unlisten(r)
	c.Destroy()
	if len(r.got) != 0 {
		t.Fatalf("expected no result after unlisten, got %+v", r.got)
	}
}

func TestCheckExecuteRejections(t *testing.T) {
	if _, err := New(0, "ls", time.Second, multiplexer.New()); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}

	c, _, _, _ := newCheck(t, 1, time.Minute)
	if err := c.Execute(&fakeSession{connected: false, channel: &fakeChannel{}}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	session := &fakeSession{connected: true, channel: &fakeChannel{openAgain: 1}}
	if err := c.Execute(session); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := c.Execute(session); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}

	consumed, _, _, _ := newCheck(t, 2, time.Minute)
	consumed.Destroy()
	if err := consumed.Execute(session); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted for consumed id, got %v", err)
	}
}
