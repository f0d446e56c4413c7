// Package mail defines the core mail data model shared by the SMTP
// session layer and the persistence sink.
package mail

import "strings"

// Envelope represents one in-flight or completed mail transaction.
// It is owned by exactly one session and is discarded after the sink
// has recorded it (or on RSET/disconnect).
type Envelope struct {
	// Sender is the address given by MAIL FROM.
	Sender string

	// Recipients holds one entry per accepted RCPT TO, in arrival
	// order. Duplicates are permitted and each produces its own record.
	Recipients []string

	// Body is the raw message payload. It stays nil until the data
	// phase has completed, so Body != nil marks a finished transaction.
	Body []byte
}

// Reset clears the envelope back to its pre-transaction state.
func (e *Envelope) Reset() {
	e.Sender = ""
	e.Recipients = nil
	e.Body = nil
}

// Begin starts a fresh transaction for the given sender, dropping any
// recipients or body accumulated by a previous, unfinished transaction.
func (e *Envelope) Begin(sender string) {
	e.Sender = sender
	e.Recipients = nil
	e.Body = nil
}

// Complete reports whether the transaction reached the completed state.
func (e *Envelope) Complete() bool {
	return e.Body != nil
}

// SafeRecipient reports whether addr can be used as a single path
// component under the mail directory. Recipient strings come from the
// remote party verbatim, so anything that could escape the directory
// (separators, parent references, hidden-file prefixes) is refused
// instead of sanitized.
func SafeRecipient(addr string) bool {
	if addr == "" || len(addr) > 255 {
		return false
	}
	if strings.ContainsAny(addr, "/\\\x00") {
		return false
	}
	if strings.HasPrefix(addr, ".") {
		return false
	}
	return true
}
