// Package sink defines the interface for mail persistence backends.
package sink

import (
	"context"

	"github.com/mailsink/mailsink/internal/mail"
)

// Result is the outcome of recording one envelope for one recipient.
type Result struct {
	// Recipient is the address this result belongs to.
	Recipient string

	// Path is the file the record was appended to. Empty when Err is set.
	Path string

	// Err is the I/O failure for this recipient, nil on success.
	Err error
}

// Sink is the interface that mail persistence backends must implement.
// Store records a completed envelope once per recipient and returns one
// Result per recipient in envelope order; it must not stop at the first
// failure. The call is synchronous: when it returns, every successful
// Result refers to durably written bytes.
type Sink interface {
	Store(ctx context.Context, env *mail.Envelope) []Result

	// Name returns the human-readable name of this sink.
	Name() string
}

// Failed reports whether any per-recipient result carries an error.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}
