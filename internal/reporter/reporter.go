// Package reporter encodes version replies and check results for the
// monitoring engine and writes them out without blocking.
package reporter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Extra-Chill/connector-ssh/internal/checks"
	"github.com/Extra-Chill/connector-ssh/internal/logging"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
)

// Packet types written to the monitoring engine.
const (
	TypeVersion = "1"
	TypeResult  = "3"
)

var terminator = []byte{0, 0, 0, 0}

// Reporter holds the outbound buffer. Every packet is appended as a whole,
// so two results never interleave on the wire.
type Reporter struct {
	buf       []byte
	canReport bool
	reported  uint64
	log       zerolog.Logger
}

// New creates a reporter ready to report.
func New() *Reporter {
	return &Reporter{canReport: true, log: logging.Component("reporter")}
}

// SendVersion queues a version reply.
func (r *Reporter) SendVersion(major, minor int) {
	r.log.Debug().Int("major", major).Int("minor", minor).Msg("sending protocol version")
	r.append(TypeVersion, strconv.Itoa(major), strconv.Itoa(minor))
}

// SendResult queues the result of a check.
func (r *Reporter) SendResult(res checks.Result) {
	if !r.canReport {
		r.log.Error().Uint64("command_id", res.CommandID).Msg("cannot report check result, output is broken")
		return
	}
	r.log.Debug().
		Uint64("command_id", res.CommandID).
		Bool("executed", res.Executed).
		Int("exit_code", res.ExitCode).
		Msg("sending check result")

	executed := "0"
	if res.Executed {
		executed = "1"
	}
	r.append(TypeResult,
		strconv.FormatUint(res.CommandID, 10),
		executed,
		strconv.Itoa(res.ExitCode),
		res.Error,
		res.Output,
	)
	r.reported++
}

func (r *Reporter) append(fields ...string) {
	r.buf = append(r.buf, Encode(fields...)...)
}

// CanReport reports whether the output is still usable.
func (r *Reporter) CanReport() bool {
	return r.canReport
}

// Buffered returns the number of bytes waiting to be written.
func (r *Reporter) Buffered() int {
	return len(r.buf)
}

// Reported returns the number of results queued so far.
func (r *Reporter) Reported() uint64 {
	return r.reported
}

// WantRead never solicits input.
func (r *Reporter) WantRead(multiplexer.Handle) bool { return false }

// WantWrite solicits output while data is pending.
func (r *Reporter) WantWrite(multiplexer.Handle) bool {
	return r.canReport && len(r.buf) > 0
}

// Read is unused: the reporter only writes.
func (r *Reporter) Read(multiplexer.Handle) {}

// Write performs one write on h, which must be an io.Writer. The unwritten
// suffix is kept for the next call.
func (r *Reporter) Write(h multiplexer.Handle) {
	w, ok := h.(io.Writer)
	if !ok {
		r.fail(fmt.Errorf("report handle %T is not writable", h))
		return
	}
	r.WriteTo(w)
}

// WriteTo performs one write on w.
func (r *Reporter) WriteTo(w io.Writer) {
	if len(r.buf) == 0 {
		return
	}
	n, err := w.Write(r.buf)
	r.log.Trace().Int("bytes", n).Int("pending", len(r.buf)-n).Msg("wrote report data")
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	if err != nil {
		r.fail(fmt.Errorf("write reports: %w", err))
	}
}

// Error stops reporting after an output failure.
func (r *Reporter) Error(multiplexer.Handle) {
	r.fail(errors.New("error on report output handle"))
}

func (r *Reporter) fail(err error) {
	r.log.Error().Err(err).Int("dropped_bytes", len(r.buf)).Msg("report output failed")
	r.canReport = false
	r.buf = nil
}

// Encode frames fields as one packet. Empty fields are sent as a single
// space.
func Encode(fields ...string) []byte {
	var b bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(0)
		}
		if f == "" {
			b.WriteByte(' ')
		} else {
			b.WriteString(f)
		}
	}
	b.Write(terminator)
	return b.Bytes()
}

// Decode splits the first packet of data into fields and returns the bytes
// that follow it. ok is false if no complete packet is present.
func Decode(data []byte) (fields []string, rest []byte, ok bool) {
	end := bytes.Index(data, terminator)
	if end < 0 {
		return nil, data, false
	}
	for _, f := range bytes.Split(data[:end], []byte{0}) {
		if len(f) == 1 && f[0] == ' ' {
			fields = append(fields, "")
		} else {
			fields = append(fields, string(f))
		}
	}
	return fields, data[end+len(terminator):], true
}

// DecodeResult parses the first result packet of data.
func DecodeResult(data []byte) (checks.Result, []byte, error) {
	fields, rest, ok := Decode(data)
	if !ok {
		return checks.Result{}, data, errors.New("incomplete packet")
	}
	if len(fields) != 6 || fields[0] != TypeResult {
		return checks.Result{}, rest, fmt.Errorf("not a result packet: %q", fields)
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return checks.Result{}, rest, fmt.Errorf("parse command id: %w", err)
	}
	exit, err := strconv.Atoi(fields[3])
	if err != nil {
		return checks.Result{}, rest, fmt.Errorf("parse exit code: %w", err)
	}
	return checks.Result{
		CommandID: id,
		Executed:  fields[2] == "1",
		ExitCode:  exit,
		Error:     fields[4],
		Output:    fields[5],
	}, rest, nil
}
