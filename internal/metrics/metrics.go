// Package metrics provides Prometheus metrics for monitored processes and the
// log aggregator.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smazurov/procwatch/internal/events"
)

// Exit outcomes used as the "outcome" label.
const (
	OutcomeExited      = "exited"
	OutcomeCrashed     = "crashed"
	OutcomeError       = "error"
	OutcomeSpawnFailed = "spawn_failed"
)

var (
	processesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Subsystem: "monitor",
		Name:      "processes_active",
		Help:      "Processes currently being monitored",
	})

	processesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "procwatch",
		Subsystem: "monitor",
		Name:      "processes_started_total",
		Help:      "Processes spawned successfully",
	})

	processOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Subsystem: "monitor",
		Name:      "process_outcomes_total",
		Help:      "Terminal process outcomes",
	}, []string{"outcome"})

	stopRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Subsystem: "monitor",
		Name:      "stop_requests_total",
		Help:      "Completed stop requests by whether SIGKILL was needed",
	}, []string{"forced"})

	logEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Subsystem: "logstream",
		Name:      "entries_total",
		Help:      "Log entries emitted after filtering",
	}, []string{"level", "source"})

	bufferWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "procwatch",
		Subsystem: "logstream",
		Name:      "buffer_warnings_total",
		Help:      "Unterminated lines that crossed the high-water mark",
	})

	streamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "procwatch",
		Subsystem: "logstream",
		Name:      "stream_errors_total",
		Help:      "Output stream read failures",
	})

	aggregatorEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Subsystem: "aggregator",
		Name:      "entries",
		Help:      "Entries held by the aggregator",
	})

	aggregatorProcesses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Subsystem: "aggregator",
		Name:      "processes",
		Help:      "Processes known to the aggregator by status",
	}, []string{"status"})
)

// Attach updates the monitor and logstream metrics from bus events until the
// returned function is called.
func Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(events.MonitoringStartedEvent) {
			processesStarted.Inc()
			processesActive.Inc()
		}),
		bus.Subscribe(func(events.ProcessExitedEvent) {
			processesActive.Dec()
			processOutcomes.WithLabelValues(OutcomeExited).Inc()
		}),
		bus.Subscribe(func(events.ProcessCrashedEvent) {
			processesActive.Dec()
			processOutcomes.WithLabelValues(OutcomeCrashed).Inc()
		}),
		bus.Subscribe(func(events.ProcessErrorEvent) {
			processesActive.Dec()
			processOutcomes.WithLabelValues(OutcomeError).Inc()
		}),
		bus.Subscribe(func(events.MonitoringErrorEvent) {
			processOutcomes.WithLabelValues(OutcomeSpawnFailed).Inc()
		}),
		bus.Subscribe(func(e events.MonitoringStoppedEvent) {
			stopRequests.WithLabelValues(strconv.FormatBool(e.Forced)).Inc()
		}),
		bus.Subscribe(func(e events.LogEntryEvent) {
			logEntries.WithLabelValues(string(e.Level), string(e.Source)).Inc()
		}),
		bus.Subscribe(func(events.BufferWarningEvent) {
			bufferWarnings.Inc()
		}),
		bus.Subscribe(func(events.StreamErrorEvent) {
			streamErrors.Inc()
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// SetAggregatorStats publishes the aggregator's current totals.
func SetAggregatorStats(entries int, processesByStatus map[string]int) {
	aggregatorEntries.Set(float64(entries))
	for status, n := range processesByStatus {
		aggregatorProcesses.WithLabelValues(status).Set(float64(n))
	}
}
