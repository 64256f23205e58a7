package tdcstream

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsOption func(*Metrics)

func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

func WithPrometheusRegistry(registry prometheus.Registerer) MetricsOption {
	return func(m *Metrics) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Metrics counts the non-fatal conditions of the engine. A nil *Metrics
// records nothing.
type Metrics struct {
	namespace string
	registry  prometheus.Registerer

	decodeErrors      *prometheus.CounterVec
	missingHits       *prometheus.CounterVec
	syncErrors        *prometheus.CounterVec
	syncMatched       prometheus.Counter
	calibrations      *prometheus.CounterVec
	calibrationErrors *prometheus.CounterVec
	buffers           *prometheus.CounterVec
	triggers          prometheus.Counter
	flushTriggers     prometheus.Counter
	events            prometheus.Counter
	calibProgress     *prometheus.GaugeVec
	queueDepth        *prometheus.GaugeVec
}

func NewMetrics(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace: "tdcstream",
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// Registry returns the registerer as a gatherer when it is one.
func (m *Metrics) Registry() prometheus.Gatherer {
	if g, ok := m.registry.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

func (m *Metrics) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.decodeErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "decode_errors_total",
		Help:      "Malformed words by board and error kind",
	}, []string{"board", "kind"})

	m.missingHits = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "missing_hits_total",
		Help:      "Hits carrying the missing fine counter sentinel",
	}, []string{"board"})

	m.syncErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "sync_errors_total",
		Help:      "Sync markers erased instead of matched",
	}, []string{"board", "kind"})

	m.syncMatched = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "sync_matched_total",
		Help:      "Sync ids confirmed by every producer",
	})

	m.calibrations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "calibrations_total",
		Help:      "Calibration attempts by board and resulting status",
	}, []string{"board", "status"})

	m.calibrationErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "calibration_errors_total",
		Help:      "Rejected calibrations by board and error kind",
	}, []string{"board", "kind"})

	m.buffers = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "buffers_total",
		Help:      "Buffers that reached a scan phase",
	}, []string{"board", "phase"})

	m.triggers = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "triggers_total",
		Help:      "Triggers queued for assembly",
	})

	m.flushTriggers = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "flush_triggers_total",
		Help:      "Synthetic flush triggers queued",
	})

	m.events = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_total",
		Help:      "Correlated events produced",
	})

	m.calibProgress = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "calibration_progress",
		Help:      "Auto calibration progress, 1 triggers a recalibration",
	}, []string{"board"})

	m.queueDepth = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "queue_depth",
		Help:      "Buffers held by a processor",
	}, []string{"board"})
}

func boardLabel(board uint32) string {
	return fmt.Sprintf("0x%04x", board)
}

func (m *Metrics) DecodeError(board uint32, kind DecodeErrorKind) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(boardLabel(board), kind.String()).Inc()
}

func (m *Metrics) MissingHit(board uint32) {
	if m == nil {
		return
	}
	m.missingHits.WithLabelValues(boardLabel(board)).Inc()
}

func (m *Metrics) SyncError(board uint32, kind SyncErrorKind) {
	if m == nil {
		return
	}
	m.syncErrors.WithLabelValues(boardLabel(board), kind.String()).Inc()
}

func (m *Metrics) SyncMatched() {
	if m == nil {
		return
	}
	m.syncMatched.Inc()
}

func (m *Metrics) Calibration(board uint32, status CalibrationStatus) {
	if m == nil {
		return
	}
	m.calibrations.WithLabelValues(boardLabel(board), status.String()).Inc()
}

func (m *Metrics) CalibrationError(board uint32, kind CalibrationErrorKind) {
	if m == nil {
		return
	}
	m.calibrationErrors.WithLabelValues(boardLabel(board), kind.String()).Inc()
}

func (m *Metrics) Buffer(board uint32, phase BufferState) {
	if m == nil {
		return
	}
	m.buffers.WithLabelValues(boardLabel(board), phase.String()).Inc()
}

func (m *Metrics) Trigger(flush bool) {
	if m == nil {
		return
	}
	if flush {
		m.flushTriggers.Inc()
		return
	}
	m.triggers.Inc()
}

func (m *Metrics) Event() {
	if m == nil {
		return
	}
	m.events.Inc()
}

func (m *Metrics) CalibrationProgress(board uint32, progress float64) {
	if m == nil {
		return
	}
	m.calibProgress.WithLabelValues(boardLabel(board)).Set(progress)
}

func (m *Metrics) QueueDepth(board uint32, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(boardLabel(board)).Set(float64(depth))
}
