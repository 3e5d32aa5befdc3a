// Package orders decodes monitoring engine orders from the inbound byte
// stream.
package orders

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Extra-Chill/connector-ssh/internal/logging"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
)

// Packet types sent by the monitoring engine.
const (
	TypeVersion = "1"
	TypeExecute = "2"
	TypeQuit    = "4"
)

const readChunk = 4096

var (
	terminator = []byte{0, 0, 0, 0}
	separator  = []byte{0}
)

// Listener receives decoded orders.
type Listener interface {
	OnEOF()
	// OnError receives *DecodeError for malformed packets (the stream goes
	// on) and any other error for a broken input stream.
	OnError(err error)
	OnExecute(id uint64, timeout time.Duration, host, user, password, command string)
	OnQuit()
	OnVersion()
}

// DecodeError describes a malformed packet. The packet has been consumed.
type DecodeError struct {
	Packet []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid order packet: %s", e.Reason)
}

// Parser splits the inbound stream into packets and dispatches them.
type Parser struct {
	buf      []byte
	listener Listener
	log      zerolog.Logger
}

// NewParser creates a parser with no listener.
func NewParser() *Parser {
	return &Parser{log: logging.Component("orders")}
}

// Listen sets the order listener.
func (p *Parser) Listen(l Listener) {
	p.listener = l
}

// Buffer returns the undecoded bytes.
func (p *Parser) Buffer() []byte {
	return p.buf
}

// WantRead always solicits input.
func (p *Parser) WantRead(multiplexer.Handle) bool { return true }

// WantWrite never solicits output.
func (p *Parser) WantWrite(multiplexer.Handle) bool { return false }

// Write is unused: the parser only reads.
func (p *Parser) Write(multiplexer.Handle) {}

// Error notifies the listener that the input handle failed.
func (p *Parser) Error(multiplexer.Handle) {
	p.notifyError(errors.New("error on order input handle"))
}

// Read performs one non-blocking read on h, which must be an io.Reader,
// and decodes every complete packet.
func (p *Parser) Read(h multiplexer.Handle) {
	r, ok := h.(io.Reader)
	if !ok {
		p.notifyError(fmt.Errorf("order handle %T is not readable", h))
		return
	}
	p.ReadFrom(r)
}

// ReadFrom performs one read on r and decodes every complete packet.
func (p *Parser) ReadFrom(r io.Reader) {
	chunk := make([]byte, readChunk)
	n, err := r.Read(chunk)
	p.log.Trace().Int("bytes", n).Msg("read data from order input")
	if n > 0 {
		p.Feed(chunk[:n])
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		p.log.Debug().Msg("order input reached end of stream")
		if p.listener != nil {
			p.listener.OnEOF()
		}
	default:
		p.notifyError(fmt.Errorf("read orders: %w", err))
	}
}

// Feed appends data and decodes every complete packet.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
	for {
		end := bytes.Index(p.buf, terminator)
		if end < 0 {
			break
		}
		packet := p.buf[:end]
		p.buf = p.buf[end+len(terminator):]
		if err := p.parse(packet); err != nil {
			p.log.Error().Err(err).Msg("could not decode order")
			p.notifyError(err)
		}
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

func (p *Parser) parse(packet []byte) error {
	if len(packet) == 0 {
		p.log.Debug().Msg("received empty packet, treating it as quit")
		if p.listener != nil {
			p.listener.OnQuit()
		}
		return nil
	}

	fields := bytes.Split(packet, separator)
	switch string(fields[0]) {
	case TypeVersion:
		if len(fields) != 1 {
			return decodeError(packet, "version request has %d extra fields", len(fields)-1)
		}
		p.log.Debug().Msg("received version request")
		if p.listener != nil {
			p.listener.OnVersion()
		}
	case TypeExecute:
		return p.parseExecute(packet, fields)
	case TypeQuit:
		p.log.Debug().Msg("received quit request")
		if p.listener != nil {
			p.listener.OnQuit()
		}
	default:
		return decodeError(packet, "unknown packet type %q", fields[0])
	}
	return nil
}

func (p *Parser) parseExecute(packet []byte, fields [][]byte) error {
	if len(fields) != 7 {
		return decodeError(packet, "execute order has %d fields, expected 7", len(fields))
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return decodeError(packet, "invalid command ID %q", fields[1])
	}
	seconds, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return decodeError(packet, "invalid timeout %q", fields[2])
	}

	host := Field(fields[3])
	user := Field(fields[4])
	password := Field(fields[5])
	command := Field(fields[6])

	p.log.Debug().Uint64("command_id", id).Msg("received execute request")
	if p.listener != nil {
		p.listener.OnExecute(id, time.Duration(seconds)*time.Second, host, user, password, command)
	}
	return nil
}

func (p *Parser) notifyError(err error) {
	if p.listener != nil {
		p.listener.OnError(err)
	}
}

// Field decodes a wire field: a lone space stands for the empty string.
func Field(b []byte) string {
	if len(b) == 1 && b[0] == ' ' {
		return ""
	}
	return string(b)
}

func decodeError(packet []byte, format string, args ...any) error {
	return &DecodeError{
		Packet: append([]byte(nil), packet...),
		Reason: fmt.Sprintf(format, args...),
	}
}
