// Package metrics exposes prometheus instrumentation for the sink.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for the SMTP listener and the
// persistence engine. A nil *Metrics is valid and turns every recording
// method into a no-op, so the metrics endpoint can stay optional.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	MessagesAccepted prometheus.Counter
	RecordsWritten   prometheus.Counter
	StoreFailures    prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsink_sessions_started_total",
			Help: "Number of SMTP sessions accepted.",
		}),
		MessagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsink_messages_accepted_total",
			Help: "Number of mail transactions that completed with a 250 reply.",
		}),
		RecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsink_records_written_total",
			Help: "Number of per-recipient mail records appended to disk.",
		}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsink_store_failures_total",
			Help: "Number of per-recipient persistence failures.",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsink_protocol_errors_total",
			Help: "Number of rejected commands by SMTP reply code.",
		}, []string{"code"}),
		registry: reg,
	}
}

// SessionStarted records an accepted connection.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

// MessageAccepted records a fully persisted transaction.
func (m *Metrics) MessageAccepted() {
	if m != nil {
		m.MessagesAccepted.Inc()
	}
}

// RecordWritten records one appended mail record.
func (m *Metrics) RecordWritten() {
	if m != nil {
		m.RecordsWritten.Inc()
	}
}

// StoreFailed records one per-recipient persistence failure.
func (m *Metrics) StoreFailed() {
	if m != nil {
		m.StoreFailures.Inc()
	}
}

// ProtocolError records a rejected command by reply code.
func (m *Metrics) ProtocolError(code string) {
	if m != nil {
		m.ProtocolErrors.WithLabelValues(code).Inc()
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics on addr until the context
// is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
