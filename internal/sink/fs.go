package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mailsink/mailsink/internal/mail"
)

// FS records envelopes on the local filesystem, one directory per
// recipient under the mail directory and one file per
// (second, sender, extension) within it. Records are strictly additive:
// files are opened in append mode and never rewritten, so two
// transactions landing in the same second accumulate into one file.
type FS struct {
	dir string
	ext string

	// echo, when non-nil, receives the raw body of every stored
	// message. Wired to os.Stdout in foreground mode.
	echo io.Writer

	// now is the wall clock used for filenames. Tests pin it.
	now func() time.Time
}

// NewFS creates a filesystem sink rooted at dir, writing files with the
// given extension (no leading dot).
func NewFS(dir, ext string) *FS {
	return &FS{
		dir: dir,
		ext: ext,
		now: time.Now,
	}
}

// WithEcho returns the sink with message bodies mirrored to w.
func (f *FS) WithEcho(w io.Writer) *FS {
	f.echo = w
	return f
}

// WithClock returns the sink with a fixed clock source. Useful for
// testing same-second append behavior.
func (f *FS) WithClock(now func() time.Time) *FS {
	f.now = now
	return f
}

// Name returns the sink name.
func (f *FS) Name() string {
	return "fs"
}

// Store writes one record per recipient and reports each outcome.
// A failing recipient does not prevent later recipients from being
// attempted, and nothing already written is rolled back.
func (f *FS) Store(_ context.Context, env *mail.Envelope) []Result {
	results := make([]Result, 0, len(env.Recipients))
	stamp := f.now().Unix()

	for _, rcpt := range env.Recipients {
		path, err := f.storeOne(rcpt, stamp, env)
		if err != nil {
			slog.Error("failed to store message",
				"recipient", rcpt,
				"error", err,
			)
			results = append(results, Result{Recipient: rcpt, Err: err})
			continue
		}

		slog.Info("message stored", "recipient", rcpt, "path", path)
		results = append(results, Result{Recipient: rcpt, Path: path})

		if f.echo != nil {
			f.echo.Write(append(append([]byte{}, env.Body...), '\n'))
		}
	}

	return results
}

// storeOne appends the body for a single recipient, creating the
// recipient directory on first use.
func (f *FS) storeOne(rcpt string, stamp int64, env *mail.Envelope) (string, error) {
	// The session layer already refuses unsafe recipients; re-check so
	// the sink stays safe for callers that construct envelopes directly.
	if !mail.SafeRecipient(rcpt) {
		return "", fmt.Errorf("recipient %q is not a valid mailbox name", rcpt)
	}

	rcptDir := filepath.Join(f.dir, rcpt)
	if err := os.MkdirAll(rcptDir, 0o755); err != nil {
		return "", fmt.Errorf("create recipient directory: %w", err)
	}

	name := fmt.Sprintf("%d.%s.%s", stamp, env.Sender, f.ext)
	path := filepath.Join(rcptDir, name)

	// O_APPEND makes the write a single atomic append, so concurrent
	// transactions hitting the same file interleave at record
	// granularity instead of corrupting each other.
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open mail file: %w", err)
	}

	record := make([]byte, 0, len(env.Body)+1)
	record = append(record, env.Body...)
	record = append(record, '\n')

	if _, err := file.Write(record); err != nil {
		file.Close()
		return "", fmt.Errorf("append mail file: %w", err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close mail file: %w", err)
	}

	return path, nil
}
