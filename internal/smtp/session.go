package smtp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mailsink/mailsink/internal/mail"
	"github.com/mailsink/mailsink/internal/metrics"
	"github.com/mailsink/mailsink/internal/sink"
)

// Session states for the SMTP state machine. A transaction walks
// stateIdle -> stateSender -> stateRecipients -> stateData and returns
// to stateIdle on completion or RSET.
const (
	stateIdle = iota
	stateSender
	stateRecipients
	stateData
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxMessageSize is the maximum accepted message size (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine. Each connection owns exactly one
// Session; no state is shared between sessions other than the
// filesystem behind the sink.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	sink     sink.Sink
	hostname string
	metrics  *metrics.Metrics

	// envelope is the current transaction, mutated only by this session.
	envelope mail.Envelope
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, s sink.Sink, hostname string, m *metrics.Metrics) *Session {
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateIdle,
		sink:     s,
		hostname: hostname,
		metrics:  m,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs. A disconnect at any point discards
// the in-flight envelope; nothing is persisted for an incomplete
// transaction.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.metrics.SessionStarted()
	s.writeLine("220 %s mailsink service ready", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.reject("500", "500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands. The greeting is
// bookkeeping only: it does not gate the mail transaction, so a client
// that skips it can still start with MAIL FROM.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.reject("501", "501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

// handleMAIL processes the MAIL FROM command. It is valid from any
// state: issued mid-transaction it discards the current envelope and
// starts over with the new sender.
func (s *Session) handleMAIL(arg string) {
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.reject("501", "501 Syntax: MAIL FROM:<address>")
		return
	}

	param := strings.TrimSpace(arg[5:])
	addr := extractAddress(param)
	// The null reverse-path <> is legal; bounces and delivery probes
	// use an empty sender.
	if addr == "" && param != "<>" {
		s.reject("501", "501 Syntax: MAIL FROM:<address>")
		return
	}

	s.envelope.Begin(addr)
	s.state = stateSender
	slog.Info("sender accepted", "sender", addr)
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command. Recipients double as
// directory names in the mail store, so addresses that are unsafe as a
// path component are refused here rather than escaped.
func (s *Session) handleRCPT(arg string) {
	if s.state != stateSender && s.state != stateRecipients {
		s.reject("503", "503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.reject("501", "501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.reject("501", "501 Syntax: RCPT TO:<address>")
		return
	}
	if !mail.SafeRecipient(addr) {
		s.reject("501", "501 Recipient address not accepted")
		return
	}

	s.envelope.Recipients = append(s.envelope.Recipients, addr)
	s.state = stateRecipients
	slog.Info("recipient accepted", "recipient", addr)
	s.writeLine("250 OK")
}

// handleDATA processes the DATA command: it reads the dot-stuffed
// message body, finalizes the envelope and hands it to the sink before
// replying. The 250 is only sent once every recipient record is on
// disk; any per-recipient failure turns the reply into a 451 and the
// transaction is discarded either way (no protocol-layer retry).
func (s *Session) handleDATA(ctx context.Context) {
	if s.state != stateRecipients {
		s.reject("503", "503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	body, err := s.readData()
	if err != nil {
		if err == errMessageTooLarge {
			s.reject("552", "552 Message exceeds maximum size")
			s.resetTransaction()
			return
		}
		slog.Error("error reading DATA", "error", err)
		return
	}

	s.envelope.Body = body

	results := s.sink.Store(ctx, &s.envelope)
	failed := false
	for _, r := range results {
		if r.Err != nil {
			failed = true
			s.metrics.StoreFailed()
		} else {
			s.metrics.RecordWritten()
		}
	}

	if failed {
		s.writeLine("451 Requested action aborted: local error in processing")
	} else {
		s.metrics.MessageAccepted()
		s.writeLine("250 OK message accepted")
	}
	s.resetTransaction()
}

// errMessageTooLarge is returned by readData when the accumulated body
// exceeds maxMessageSize.
var errMessageTooLarge = fmt.Errorf("message too large")

// readData accumulates raw message lines verbatim until the end-of-data
// marker, removing dot-stuffing. The returned slice is non-nil even for
// an empty message, so a completed transaction always has a body.
func (s *Session) readData() ([]byte, error) {
	data := []byte{}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			return data, nil
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if len(data)+len(line) > maxMessageSize {
			// Drain until the terminator so the connection stays usable.
			for trimmed != "." {
				line, err = s.reader.ReadString('\n')
				if err != nil {
					return nil, err
				}
				trimmed = strings.TrimRight(line, "\r\n")
			}
			return nil, errMessageTooLarge
		}

		data = append(data, line...)
	}
}

// handleRSET resets the current transaction state. Always succeeds.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction discards the envelope and returns the machine to
// the idle state; the next transaction must identify its sender again.
func (s *Session) resetTransaction() {
	s.envelope.Reset()
	s.state = stateIdle
}

// reject replies with a rejection line and counts it, leaving the
// session state unchanged.
func (s *Session) reject(code, format string, args ...interface{}) {
	s.metrics.ProtocolError(code)
	s.writeLine(format, args...)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address format
	return s
}
