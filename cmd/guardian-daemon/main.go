// Package main — cmd/guardian-daemon/main.go
//
// guardian-daemon entrypoint.
//
// Startup sequence:
//  1. Parse flags; handle --version and the --internal-reset /
//     --internal-curfew-check one-shot subcommand modes used by the
//     generated systemd units without starting the daemon proper.
//  2. Root check — abort if not running as root.
//  3. Initialise structured logger (zap).
//  4. Load and validate config, start the reload-capable ConfigLoader.
//  5. Open BoltDB storage (retried a few times; this is the one failure
//     that is fatal at startup rather than degraded around).
//  6. Wire SessionTracker, LoginSource, Notifier, Enforcer.
//  7. Reconcile PamWriter and SystemdWriter against the initial policy,
//     and check for a reset missed while the daemon was down.
//  8. Start AdminIpc and the Prometheus metrics server.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Stop LoginSource and let the Enforcer finish its current tick.
//  3. Force-flush SessionTracker's live state to storage.
//  4. Close the AdminIpc socket and remove the socket file.
//  5. Close storage, flush the logger, exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/guardian-daemon/guardian-daemon/internal/adminipc"
	"github.com/guardian-daemon/guardian-daemon/internal/clock"
	"github.com/guardian-daemon/guardian-daemon/internal/config"
	"github.com/guardian-daemon/guardian-daemon/internal/enforcer"
	"github.com/guardian-daemon/guardian-daemon/internal/loginsource"
	"github.com/guardian-daemon/guardian-daemon/internal/notify"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
	"github.com/guardian-daemon/guardian-daemon/internal/pamwriter"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
	"github.com/guardian-daemon/guardian-daemon/internal/storage"
	"github.com/guardian-daemon/guardian-daemon/internal/systemdwriter"
	"github.com/guardian-daemon/guardian-daemon/internal/tracker"
)

const (
	storageOpenRetries = 3
	storageOpenBackoff = 2 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: "+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	showVersion := flag.Bool("version", false, "Print version and exit")
	internalReset := flag.Bool("internal-reset", false, "One-shot: record the daily reset instant and exit (invoked by the generated reset timer)")
	internalCurfewCheck := flag.String("internal-curfew-check", "", "One-shot: terminate USERNAME's sessions for curfew and exit (invoked by the generated curfew timer)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("guardian-daemon %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = config.ResolvePath()
	}

	switch {
	case *internalReset:
		runInternalReset(path)
	case *internalCurfewCheck != "":
		runInternalCurfewCheck(path, *internalCurfewCheck)
	default:
		runDaemon(path)
	}
}

// runInternalReset implements the daily-reset timer's oneshot unit:
// stamp Storage's last-reset-wall, so CheckMissedReset has
// ground truth to compare against on the next boot, then exit. It uses
// config.Load directly instead of the reload-capable Loader — this
// subcommand runs once and exits, so hot-reload buys it nothing.
func runInternalReset(path string) {
	cfg, _, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Error("internal-reset: storage open failed", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck

	now := (clock.Real{}).Now()
	if err := db.SetLastResetWall(now); err != nil {
		log.Error("internal-reset: SetLastResetWall failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("internal-reset: recorded reset instant", zap.Time("reset_wall", now))
}

// runInternalCurfewCheck implements the per-user curfew timer's oneshot
// unit: pam_time already blocks new logins once curfew starts,
// but a session opened before curfew began is still active, so this
// terminates it directly through the same Login1Terminator path the
// daemon's own Enforcer uses.
func runInternalCurfewCheck(path, username string) {
	cfg, _, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	term := enforcer.NewLogin1Terminator(log)
	if err := term.TerminateUser(ctx, username); err != nil {
		log.Error("internal-curfew-check: termination failed", zap.String("username", username), zap.Error(err))
		os.Exit(1)
	}
	log.Info("internal-curfew-check: terminated sessions for curfew", zap.String("username", username))
}

func runDaemon(path string) {
	if unix.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: guardian-daemon must run as root (UID 0)")
		os.Exit(1)
	}

	boot := config.Defaults()
	log, err := buildLogger(boot.Observability.LogLevel, boot.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("guardian-daemon starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", path),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startedAt := time.Now()

	loader, err := config.NewLoader(path, config.DefaultReloadInterval, log)
	if err != nil {
		log.Fatal("config load failed, refusing to start", zap.Error(err))
	}
	snap := loader.Current()

	db, err := openStorageWithRetry(snap.Raw.DBPath, log)
	if err != nil {
		log.Fatal("storage open failed after retries", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, snap.Raw.Observability.MetricsAddr); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	clk := clock.Real{}
	policyFn := func() *policy.Policy { return loader.Current().Policy }

	trk := tracker.New(clk, db, policyFn, log, 0, 0)

	filter := func(username string) bool { return loader.Current().Policy.IsManaged(username) }
	ls := loginsource.New(filter, log, 0)

	notifier := notify.New(log)
	term := enforcer.NewLogin1Terminator(log)
	enf := enforcer.New(trk, policyFn, notifier, term, log, 0)

	pamW := pamwriter.New(snap.Raw.System.PamTimeConfPath, snap.Raw.System.ManagedGroup, 0, log)
	sysW := systemdwriter.New(snap.Raw.System.SystemdUnitDir, snap.Raw.System.ExecPath, log)

	db.SetMetrics(metrics)
	loader.SetMetrics(metrics)
	trk.SetMetrics(metrics)
	notifier.SetMetrics(metrics)
	enf.SetMetrics(metrics)
	pamW.SetMetrics(metrics)
	sysW.SetMetrics(metrics)

	reconcileWriters := func(pol *policy.Policy) {
		if err := pamW.Reconcile(pol); err != nil {
			log.Error("pamwriter: reconcile failed", zap.Error(err))
		}
		if err := sysW.Reconcile(ctx, pol); err != nil {
			log.Error("systemdwriter: reconcile failed", zap.Error(err))
		}
	}
	mirrorConfig := func(s *config.Snapshot) {
		if err := db.SyncConfig(configMirrorValues(s)); err != nil {
			log.Warn("storage: config mirror sync failed", zap.Error(err))
		}
	}
	reconcileWriters(snap.Policy)
	mirrorConfig(snap)
	loader.Subscribe(func(s *config.Snapshot) {
		reconcileWriters(s.Policy)
		mirrorConfig(s)
	})

	if last, err := db.LastResetWall(); err == nil {
		current := clock.CurrentResetInstant(clk.Now(), snap.Policy.ResetTime, snap.Policy.Location)
		if systemdwriter.CheckMissedReset(last, current) {
			log.Warn("systemdwriter: missed reset detected at boot, recording catch-up",
				zap.Time("last_reset_wall", last), zap.Time("current_reset_instant", current))
			_ = db.SetLastResetWall(current)
		}
	}

	backend := &daemonBackend{
		startedAt: startedAt,
		tracker:   trk,
		enforcer:  enf,
		loader:    loader,
		sysWriter: sysW,
		db:        db,
	}
	ipcServer := adminipc.NewServer(snap.Raw.IPCSocket, backend, log)
	ipcServer.SetMetrics(metrics)

	go loader.Run(ctx)
	go trk.Run(ctx)
	go enf.Run(ctx)
	go func() {
		if err := ipcServer.ListenAndServe(ctx); err != nil {
			log.Error("adminipc: server stopped", zap.Error(err))
		}
	}()

	recovered := false
	events := ls.Run(ctx)
	rollovers := trk.Rollovers()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("guardian-daemon ready")

eventLoop:
	for {
		select {
		case <-sigCh:
			log.Info("shutdown signal received")
			break eventLoop

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			metrics.SessionEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
			if ev.Kind == loginsource.EventResync && recovered {
				metrics.BusReconnectsTotal.Inc()
			}
			if ev.Kind == loginsource.EventResync && !recovered {
				if err := trk.RestartRecovery(ev.Sessions); err != nil {
					log.Error("tracker: restart recovery failed", zap.Error(err))
				}
				recovered = true
			} else if err := trk.HandleEvent(ev); err != nil {
				log.Warn("tracker: event handling failed", zap.String("kind", ev.Kind.String()), zap.Error(err))
			}
			enf.Tick(ctx, clk.Now())

		case t, ok := <-rollovers:
			if !ok {
				rollovers = nil
				continue
			}
			metrics.DayRolloversTotal.Inc()
			enf.HandleRollover(t)
		}
	}

	// ── Graceful shutdown ──────────────────────────────────────────────
	// Cancel first so LoginSource stops producing, then drain whatever
	// is already queued (bounded at 5s) before flushing the final state.
	cancel()

	if events != nil {
		drainTimer := time.NewTimer(5 * time.Second)
		defer drainTimer.Stop()
	drain:
		for {
			select {
			case _, ok := <-events:
				if !ok {
					break drain
				}
			case <-drainTimer.C:
				log.Warn("shutdown: event drain timed out")
				break drain
			}
		}
	}

	trk.Flush()

	if err := os.Remove(snap.Raw.IPCSocket); err != nil && !os.IsNotExist(err) {
		log.Warn("adminipc: socket cleanup failed", zap.Error(err))
	}

	log.Info("guardian-daemon shutdown complete")
}

func openStorageWithRetry(path string, log *zap.Logger) (*storage.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= storageOpenRetries; attempt++ {
		db, err := storage.Open(path)
		if err == nil {
			return db, nil
		}
		lastErr = err
		log.Warn("storage: open attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < storageOpenRetries {
			time.Sleep(storageOpenBackoff)
		}
	}
	return nil, lastErr
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
