// Package observability — metrics.go
//
// Prometheus metrics for guardian-daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only. The daemon exposes no network API beyond the
// local admin socket and this diagnostic endpoint.
//
// Metric naming convention: guardian_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Username is NOT used as a label (unbounded, and leaks PII into a
//     metrics scrape target that may be broader-access than the daemon
//     itself); per-user figures live behind AdminIpc's get-quota instead.
//   - Phase/from-phase/to-phase labels use the fixed 5-value enum.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for guardian-daemon.
type Metrics struct {
	registry *prometheus.Registry

	// ─── LoginSource ──────────────────────────────────────────────────────────

	// SessionEventsTotal counts LoginSource events consumed, by kind.
	SessionEventsTotal *prometheus.CounterVec

	// BusReconnectsTotal counts system-bus reconnects after a disconnect.
	BusReconnectsTotal prometheus.Counter

	// ─── SessionTracker ───────────────────────────────────────────────────────

	// ActiveSessions is the current number of open sessions.
	ActiveSessions prometheus.Gauge

	// UsageSecondsTrackedTotal accumulates live-seconds accounted for
	// across every tick, a coarse throughput counter for the tracker.
	UsageSecondsTrackedTotal prometheus.Counter

	// StorageFlushesTotal counts SessionTracker's flush-to-storage calls.
	StorageFlushesTotal prometheus.Counter

	// DayRolloversTotal counts UsageDay boundary crossings observed.
	DayRolloversTotal prometheus.Counter

	// ─── Enforcer ─────────────────────────────────────────────────────────────

	// PhaseTransitionsTotal counts enforcement phase transitions.
	// Labels: from_phase, to_phase
	PhaseTransitionsTotal *prometheus.CounterVec

	// NotificationsSentTotal counts agent notification deliveries
	// attempted. Labels: outcome (delivered, failed)
	NotificationsSentTotal *prometheus.CounterVec

	// TerminationsTotal counts terminator invocations. Labels: outcome
	// (succeeded, failed)
	TerminationsTotal *prometheus.CounterVec

	// ─── PamWriter / SystemdWriter ────────────────────────────────────────────

	// PamReconcileTotal counts PamWriter.Reconcile calls. Labels: outcome
	PamReconcileTotal *prometheus.CounterVec

	// UnitReconcileTotal counts SystemdWriter.Reconcile per-unit
	// outcomes. Labels: outcome (written, removed, failed)
	UnitReconcileTotal *prometheus.CounterVec

	// ─── AdminIpc ─────────────────────────────────────────────────────────────

	// IpcCommandsTotal counts AdminIpc commands served. Labels: cmd
	IpcCommandsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageBusyTotal counts writer lock-acquisition timeouts.
	StorageBusyTotal prometheus.Counter

	// ─── Config ───────────────────────────────────────────────────────────────

	// ConfigReloadsTotal counts ConfigLoader reload attempts. Labels:
	// outcome (applied, unchanged, rejected)
	ConfigReloadsTotal *prometheus.CounterVec

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon
	// started.
	DaemonUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all guardian-daemon Prometheus
// metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SessionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "loginsource",
			Name:      "session_events_total",
			Help:      "Total LoginSource events consumed, by event kind.",
		}, []string{"kind"}),

		BusReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "loginsource",
			Name:      "bus_reconnects_total",
			Help:      "Total system-bus reconnects after a disconnect.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Subsystem: "tracker",
			Name:      "active_sessions",
			Help:      "Current number of open sessions across all managed users.",
		}),

		UsageSecondsTrackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "tracker",
			Name:      "usage_seconds_tracked_total",
			Help:      "Cumulative live-seconds accounted for across all ticks.",
		}),

		StorageFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "tracker",
			Name:      "storage_flushes_total",
			Help:      "Total session-progress flushes written to storage.",
		}),

		DayRolloversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "tracker",
			Name:      "day_rollovers_total",
			Help:      "Total UsageDay boundary crossings observed.",
		}),

		PhaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "enforcer",
			Name:      "phase_transitions_total",
			Help:      "Total enforcement phase transitions, by from_phase and to_phase.",
		}, []string{"from_phase", "to_phase"}),

		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "enforcer",
			Name:      "notifications_sent_total",
			Help:      "Total agent notification deliveries attempted, by outcome.",
		}, []string{"outcome"}),

		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "enforcer",
			Name:      "terminations_total",
			Help:      "Total terminator invocations, by outcome.",
		}, []string{"outcome"}),

		PamReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "pamwriter",
			Name:      "reconcile_total",
			Help:      "Total PamWriter reconciliation passes, by outcome.",
		}, []string{"outcome"}),

		UnitReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "systemdwriter",
			Name:      "unit_reconcile_total",
			Help:      "Total per-unit reconciliation outcomes, by outcome.",
		}, []string{"outcome"}),

		IpcCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "adminipc",
			Name:      "commands_total",
			Help:      "Total AdminIpc commands served, by command name.",
		}, []string{"cmd"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "storage",
			Name:      "busy_total",
			Help:      "Total lock-acquisition timeouts (StorageBusy).",
		}),

		ConfigReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Total ConfigLoader reload attempts, by outcome.",
		}, []string{"outcome"}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.SessionEventsTotal,
		m.BusReconnectsTotal,
		m.ActiveSessions,
		m.UsageSecondsTrackedTotal,
		m.StorageFlushesTotal,
		m.DayRolloversTotal,
		m.PhaseTransitionsTotal,
		m.NotificationsSentTotal,
		m.TerminationsTotal,
		m.PamReconcileTotal,
		m.UnitReconcileTotal,
		m.IpcCommandsTotal,
		m.StorageWriteLatency,
		m.StorageBusyTotal,
		m.ConfigReloadsTotal,
		m.DaemonUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr,
// binding loopback-only per the contract. Blocks until ctx is cancelled
// or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
