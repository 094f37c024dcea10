package rbac

import (
	"log/slog"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/platform/telemetry"
)

// EvaluatorOption configures the Evaluator.
type EvaluatorOption func(*Evaluator)

// WithAuditLogger records every denial as an access.denied audit event.
func WithAuditLogger(logger audit.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.audit = logger
	}
}

func WithMetrics(m *telemetry.Metrics) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

func WithLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// Evaluator runs predicate chains and reports denials.
type Evaluator struct {
	audit   audit.Logger
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		audit:  audit.NopLogger{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate applies preds in declaration order and returns the first
// denial, or nil when every predicate passes.
func (e *Evaluator) Evaluate(s *Subject, preds ...Predicate) *Denial {
	for _, pred := range preds {
		if d := pred(s); d != nil {
			return d
		}
	}
	return nil
}

var defaultEvaluator = NewEvaluator()

// Evaluate runs preds without audit or metrics reporting.
func Evaluate(s *Subject, preds ...Predicate) *Denial {
	return defaultEvaluator.Evaluate(s, preds...)
}
