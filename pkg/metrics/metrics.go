// Package metrics provides Prometheus-based metrics for the orchestrator.
// All metric families carry the autobuildr_ prefix so snapshots can isolate
// them from client_golang's default process collectors.
package metrics

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const familyPrefix = "autobuildr_"

// Recorder holds the orchestrator metric families, registered on the default
// Prometheus registry.
type Recorder struct {
	runsStarted       prometheus.Counter
	runsTerminal      *prometheus.CounterVec
	turnsTotal        prometheus.Counter
	tokensTotal       *prometheus.CounterVec
	policyBlocks      *prometheus.CounterVec
	validatorDuration *prometheus.HistogramVec
	artifactBytes     prometheus.Histogram
}

// promauto panics on duplicate registration; the recorder is process-global.
//
//nolint:gochecknoglobals // Single registry-backed recorder per process
var (
	defaultRecorder *Recorder
	defaultOnce     sync.Once
)

// Default returns the process-wide recorder, creating it on first use.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = newRecorder()
	})
	return defaultRecorder
}

func newRecorder() *Recorder {
	return &Recorder{
		runsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: familyPrefix + "runs_started_total",
			Help: "Total number of agent runs started",
		}),
		runsTerminal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: familyPrefix + "runs_terminal_total",
				Help: "Total number of agent runs reaching a terminal status",
			},
			[]string{"status"},
		),
		turnsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: familyPrefix + "turns_total",
			Help: "Total number of agent turns executed",
		}),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: familyPrefix + "tokens_total",
				Help: "Total number of tokens consumed by agent runs",
			},
			[]string{"direction"},
		),
		policyBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: familyPrefix + "policy_blocks_total",
				Help: "Total number of tool calls blocked by policy",
			},
			[]string{"violation"},
		),
		validatorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    familyPrefix + "validator_duration_seconds",
				Help:    "Duration of acceptance validator executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		artifactBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    familyPrefix + "artifact_size_bytes",
			Help:    "Size distribution of stored artifacts",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
	}
}

// RunStarted records a run entering running status.
func (r *Recorder) RunStarted() {
	r.runsStarted.Inc()
}

// RunTerminal records a run reaching a terminal status.
func (r *Recorder) RunTerminal(status string) {
	r.runsTerminal.WithLabelValues(status).Inc()
}

// Turn records one completed agent turn.
func (r *Recorder) Turn() {
	r.turnsTotal.Inc()
}

// Tokens records token usage for one turn.
func (r *Recorder) Tokens(in, out int64) {
	if in > 0 {
		r.tokensTotal.WithLabelValues("in").Add(float64(in))
	}
	if out > 0 {
		r.tokensTotal.WithLabelValues("out").Add(float64(out))
	}
}

// PolicyBlock records a tool call blocked by policy.
func (r *Recorder) PolicyBlock(violation string) {
	r.policyBlocks.WithLabelValues(violation).Inc()
}

// ValidatorDuration records one validator execution.
func (r *Recorder) ValidatorDuration(kind string, seconds float64) {
	r.validatorDuration.WithLabelValues(kind).Observe(seconds)
}

// ArtifactStored records the size of a stored artifact.
func (r *Recorder) ArtifactStored(sizeBytes int64) {
	r.artifactBytes.Observe(float64(sizeBytes))
}

// Snapshot renders the orchestrator metric families in Prometheus text
// exposition format. Families without the autobuildr_ prefix are skipped.
func Snapshot() (string, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), familyPrefix) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return "", fmt.Errorf("failed to encode metric family %s: %w", family.GetName(), err)
		}
	}
	return buf.String(), nil
}
