// Package metrics holds the Prometheus instrumentation of the bridge.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/peterje/consolebridge/internal/errdefs"
)

const namespace = "consolebridge"

var (
	// Sessions
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of running console sessions",
	})

	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_opened_total",
		Help:      "Total number of console sessions opened",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Total number of console sessions closed, by reason",
	}, []string{"reason"}) // "closed", "exited"

	ListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "listeners_active",
		Help:      "Number of listeners attached to console sessions",
	})

	ListenersLagged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listeners_lagged_total",
		Help:      "Listeners dropped because their output buffer was full",
	})

	SessionOutputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_output_bytes_total",
		Help:      "Bytes relayed from session consoles to listeners",
	})

	SessionInputLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_input_lines_total",
		Help:      "Input lines written to session consoles",
	})

	// One-shot commands
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "One-shot console commands, by outcome",
	}, []string{"outcome"})

	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Duration of one-shot console commands",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Outcome labels for CommandsTotal.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeSpawnError  = "spawn_error"
	OutcomeWriteError  = "write_error"
	OutcomeEmptyOutput = "empty_output"
	OutcomeParseError  = "parse_error"
	OutcomeCanceled    = "canceled"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// OutcomeOf classifies the error returned by a one-shot command.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errdefs.ErrInvalidCommand), errors.Is(err, errdefs.ErrInvalidAPIMode):
		return OutcomeInvalid
	case errors.Is(err, errdefs.ErrSpawn):
		return OutcomeSpawnError
	case errors.Is(err, errdefs.ErrWrite):
		return OutcomeWriteError
	case errors.Is(err, errdefs.ErrEmptyOutput):
		return OutcomeEmptyOutput
	case errors.Is(err, errdefs.ErrParse):
		return OutcomeParseError
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
