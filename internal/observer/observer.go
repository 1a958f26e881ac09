// Package observer decouples the core logic from logging/metrics
// backends: components report events through the Observer interface and
// the binary decides what backs it.
package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"swapSequencer/internal/model"
)

// Observer receives notable sequencer events.
type Observer interface {
	OperationAccepted(kind model.OpKind)
	OperationRejected(kind model.OpKind, reason string)
	CommitSealed(operations int)
	CommitPublished(inscriptionID string)
	VerificationFailed(failures int)
	LedgerReset(reason string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) OperationAccepted(model.OpKind)         {}
func (Nop) OperationRejected(model.OpKind, string) {}
func (Nop) CommitSealed(int)                       {}
func (Nop) CommitPublished(string)                 {}
func (Nop) VerificationFailed(int)                 {}
func (Nop) LedgerReset(string)                     {}

// Log reports events through a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) OperationAccepted(kind model.OpKind) {
	l.Logger.Info("operation accepted", zap.String("kind", string(kind)))
}

func (l Log) OperationRejected(kind model.OpKind, reason string) {
	l.Logger.Info("operation rejected", zap.String("kind", string(kind)), zap.String("reason", reason))
}

func (l Log) CommitSealed(operations int) {
	l.Logger.Info("commit sealed", zap.Int("operations", operations))
}

func (l Log) CommitPublished(inscriptionID string) {
	l.Logger.Info("commit published", zap.String("inscription_id", inscriptionID))
}

func (l Log) VerificationFailed(failures int) {
	l.Logger.Warn("verification failed", zap.Int("failures", failures))
}

func (l Log) LedgerReset(reason string) {
	l.Logger.Warn("ledger reset", zap.String("reason", reason))
}

// Metrics exports events as Prometheus counters.
type Metrics struct {
	accepted   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	sealed     prometheus.Counter
	published  prometheus.Counter
	verifyFail prometheus.Counter
	resets     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_operations_accepted_total",
			Help: "Operations accepted into the open commit.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_operations_rejected_total",
			Help: "Operations rejected before mutation.",
		}, []string{"kind", "reason"}),
		sealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_commits_sealed_total",
			Help: "Commits that reached their seal condition.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_commits_published_total",
			Help: "Commits published for inscription.",
		}),
		verifyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_verification_failures_total",
			Help: "Indexer verification mismatches.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_ledger_resets_total",
			Help: "Full pending-ledger rebuilds.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.accepted, m.rejected, m.sealed, m.published, m.verifyFail, m.resets)
	}
	return m
}

func (m *Metrics) OperationAccepted(kind model.OpKind) {
	m.accepted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) OperationRejected(kind model.OpKind, reason string) {
	m.rejected.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) CommitSealed(int)       { m.sealed.Inc() }
func (m *Metrics) CommitPublished(string) { m.published.Inc() }
func (m *Metrics) VerificationFailed(int) { m.verifyFail.Inc() }
func (m *Metrics) LedgerReset(string)     { m.resets.Inc() }

// Multi fans an event out to several observers.
type Multi []Observer

func (m Multi) OperationAccepted(kind model.OpKind) {
	for _, o := range m {
		o.OperationAccepted(kind)
	}
}

func (m Multi) OperationRejected(kind model.OpKind, reason string) {
	for _, o := range m {
		o.OperationRejected(kind, reason)
	}
}

func (m Multi) CommitSealed(operations int) {
	for _, o := range m {
		o.CommitSealed(operations)
	}
}

func (m Multi) CommitPublished(id string) {
	for _, o := range m {
		o.CommitPublished(id)
	}
}

func (m Multi) VerificationFailed(failures int) {
	for _, o := range m {
		o.VerificationFailed(failures)
	}
}

func (m Multi) LedgerReset(reason string) {
	for _, o := range m {
		o.LedgerReset(reason)
	}
}
