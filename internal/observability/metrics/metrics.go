package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Config carries the constant labels applied to every engine metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	SchedulerJobReasonDeadlineExceeded = "deadline_exceeded"
	SchedulerJobReasonDB               = "db"
	SchedulerJobReasonBusinessRule     = "business_rule"
	SchedulerJobReasonUnknown          = "unknown"
)

const (
	StageSnapshot   = "snapshot"
	StageEvaluate   = "evaluate"
	StageTransition = "transition"
	StageSettle     = "settle"
)

// EngineMetrics captures compensation engine health signals.
type EngineMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	batchProcessed    *prometheus.CounterVec
	runLoopLag        prometheus.Histogram
	periodTransitions *prometheus.CounterVec
	memberStageErrors *prometheus.CounterVec
	ledgerEntries     *prometheus.CounterVec
	cappedEntries     prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "matrix"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &EngineMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "matrix_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency to protect weekly settlement freshness.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1800},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_scheduler_job_timeouts_total",
			Help:        "Scheduler job timeouts that threaten the weekly cycle.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_scheduler_batch_processed_total",
			Help:        "Scheduler batch items processed to gauge cycle throughput.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "matrix_scheduler_runloop_lag_seconds",
			Help:        "Scheduler run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}),
		periodTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_period_transition_total",
			Help:        "Period lifecycle transitions to validate settlement pipeline health.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		memberStageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_member_stage_error_total",
			Help:        "Per-member cycle errors by stage for faster incident isolation.",
			ConstLabels: constLabels,
		}, []string{"stage", "reason"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matrix_ledger_entries_total",
			Help:        "Earning entries recorded by source type.",
			ConstLabels: constLabels,
		}, []string{"source_type"}),
		cappedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "matrix_ledger_capped_entries_total",
			Help:        "Earning entries capped at settlement by the weekly limit.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors,
		m.batchProcessed, m.runLoopLag,
		m.periodTransitions, m.memberStageErrors, m.ledgerEntries, m.cappedEntries,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *EngineMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *EngineMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *EngineMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *EngineMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || lag <= 0 {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func (m *EngineMetrics) IncPeriodTransition(from, to string) {
	if m == nil {
		return
	}
	m.periodTransitions.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) IncMemberStageError(stage string, err error) {
	if m == nil {
		return
	}
	m.memberStageErrors.WithLabelValues(stage, ClassifyJobReason(err)).Inc()
}

func (m *EngineMetrics) IncLedgerEntry(sourceType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(sourceType).Inc()
}

func (m *EngineMetrics) IncCappedEntry() {
	if m == nil {
		return
	}
	m.cappedEntries.Inc()
}

// ClassifyJobReason maps an error to a low-cardinality reason label.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrInvalidTransaction), errors.Is(err, gorm.ErrRecordNotFound):
		return SchedulerJobReasonDB
	default:
		return SchedulerJobReasonUnknown
	}
}
