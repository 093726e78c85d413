package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

// Snapshot is the unit of atomic publication: a resolved Policy plus the
// raw config it was built from (for IPC status/audit) and the hash used
// to short-circuit unchanged reloads.
type Snapshot struct {
	Policy *policy.Policy
	Raw    *Config
	Hash   [32]byte
}

// Subscriber is invoked, in registration order, whenever a new Snapshot
// is published.
type Subscriber func(*Snapshot)

// Loader owns the accepted configuration snapshot: ticker-driven
// periodic reload plus an explicit Reload() entry point the admin IPC
// "reload" command and the supervisor both call into the same critical
// section.
type Loader struct {
	path           string
	reloadInterval time.Duration
	log            *zap.Logger

	current atomic.Pointer[Snapshot]

	mu          sync.Mutex // serializes Reload/subscriber registration
	subscribers []Subscriber

	metrics *observability.Metrics
}

// SetMetrics attaches a metrics sink for reload outcome counts.
func (l *Loader) SetMetrics(m *observability.Metrics) { l.metrics = m }

func (l *Loader) observeReload(outcome string) {
	if l.metrics != nil {
		l.metrics.ConfigReloadsTotal.WithLabelValues(outcome).Inc()
	}
}

// NewLoader performs the initial load. A failure here is fatal to the
// daemon — the contract never starts on an invalid config.
func NewLoader(path string, reloadInterval time.Duration, log *zap.Logger) (*Loader, error) {
	if reloadInterval <= 0 {
		reloadInterval = DefaultReloadInterval
	}
	l := &Loader{path: path, reloadInterval: reloadInterval, log: log}

	snap, err := l.load()
	if err != nil {
		return nil, fmt.Errorf("config: initial load failed: %w", err)
	}
	l.current.Store(snap)
	return l, nil
}

// Current returns the currently-accepted Snapshot.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Subscribe registers a callback invoked after every successful reload
// that actually changes the snapshot. Callbacks run in registration
// order, synchronously, on the caller's goroutine (Reload's).
func (l *Loader) Subscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, sub)
}

// Run drives the periodic reload ticker until ctx is cancelled. The
// admin IPC "reload" command calls Reload directly, outside this loop.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Reload(); err != nil {
				l.log.Warn("config: periodic reload failed, retaining prior snapshot",
					zap.String("component", "config"),
					zap.String("operation", "reload"),
					zap.Error(err))
			}
		}
	}
}

// Reload reads, hash-compares, parses, validates, and only on success
// atomically publishes a new snapshot. On any failure the previously
// accepted snapshot remains in force.
func (l *Loader) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.current.Load()

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.observeReload("rejected")
		return guardianerrors.New("config", "reload", guardianerrors.KindConfigInvalid,
			fmt.Errorf("read %q: %w", l.path, err))
	}
	hash := sha256.Sum256(data)
	if prev != nil && hash == prev.Hash {
		l.observeReload("unchanged")
		return nil // unchanged
	}

	snap, err := l.parseAndBuild(data, hash)
	if err != nil {
		l.observeReload("rejected")
		return guardianerrors.New("config", "reload", guardianerrors.KindConfigInvalid, err)
	}

	l.current.Store(snap)
	for _, sub := range l.subscribers {
		sub(snap)
	}
	l.observeReload("applied")
	l.log.Info("config: reload applied new snapshot",
		zap.String("component", "config"), zap.String("operation", "reload"))
	return nil
}

func (l *Loader) load() (*Snapshot, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", l.path, err)
	}
	return l.parseAndBuild(data, sha256.Sum256(data))
}

func (l *Loader) parseAndBuild(data []byte, hash [32]byte) (*Snapshot, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	warnUnknownKeys(data, l.log)

	pol, err := BuildSnapshot(&cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return &Snapshot{Policy: pol, Raw: &cfg, Hash: hash}, nil
}
