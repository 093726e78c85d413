// Package storage is the durable persistence layer: session records,
// granted bonuses, a mirror of the last-accepted configuration, and
// daemon metadata, one BoltDB bucket per concern.
//
// Schema (BoltDB bucket layout):
//
//	/sessions
//	    key:   username \x1f session_id \x1f start_wall(unix nanos, zero-padded)
//	    value: JSON-encoded SessionRecord
//
//	/bonuses
//	    key:   username \x1f day_start_wall(unix seconds, zero-padded)
//	    value: JSON-encoded BonusRecord
//
//	/config_mirror
//	    key:   config_mirror entry key
//	    value: string value
//
//	/meta
//	    key:   "schema_version" | "last_reset_wall"
//	    value: string
//
// Concurrency: single writer serialized through an internal semaphore
// with a 30s acquisition timeout; BoltDB's own single-writer
// transaction model backs this, but the explicit timeout is what lets
// guardian-daemon surface StorageBusy instead of hanging the reactor.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
)

const (
	SchemaVersion = "1"

	bucketSessions     = "sessions"
	bucketBonuses      = "bonuses"
	bucketConfigMirror = "config_mirror"
	bucketMeta         = "meta"

	keySchemaVersion = "schema_version"
	keyLastResetWall = "last_reset_wall"

	// writeTimeout is the writer-serialization acquisition timeout.
	writeTimeout = 30 * time.Second
)

// SessionRecord is the persisted form of a login session.
type SessionRecord struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	StartWall          time.Time  `json:"start_wall"`
	EndWall            *time.Time `json:"end_wall,omitempty"`
	AccumulatedSeconds float64    `json:"accumulated_seconds"`
	LastUpdateWall     time.Time  `json:"last_update_wall"`
}

// BonusRecord is a persisted IPC-granted bonus. Bonuses do not carry
// over across day rollover: callers key by day_start_wall and never
// read a bonus whose day has passed.
type BonusRecord struct {
	Username     string `json:"username"`
	DayStartWall int64  `json:"day_start_wall"`
	Seconds      int    `json:"seconds"`
}

// DB wraps a BoltDB instance with typed accessors for guardian-daemon.
type DB struct {
	db      *bolt.DB
	sem     chan struct{} // 1-buffered: the single-writer serialization gate
	metrics *observability.Metrics
}

// SetMetrics attaches a metrics sink for busy-lock counts and write
// transaction latency. Optional: a nil or never-called SetMetrics leaves
// the DB fully functional, just unobserved.
func (d *DB) SetMetrics(m *observability.Metrics) { d.metrics = m }

// Open opens (or creates) the database at path, creating buckets and
// stamping the schema version in a single transaction, then checking
// the stored version in a second, read-only one.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, guardianerrors.New("storage", "open_or_create", guardianerrors.KindStorageIO,
			fmt.Errorf("bolt.Open(%q): %w", path, err))
	}

	d := &DB{db: bdb, sem: make(chan struct{}, 1)}
	d.sem <- struct{}{}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketBonuses, bucketConfigMirror, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(keySchemaVersion)) == nil {
			if err := meta.Put([]byte(keySchemaVersion), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, guardianerrors.New("storage", "open_or_create", guardianerrors.KindStorageIO, err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(keySchemaVersion))
		if string(v) != SchemaVersion {
			return guardianerrors.New("storage", "open_or_create", guardianerrors.KindStorageIO,
				fmt.Errorf("schema version mismatch: database has %q, daemon requires %q", string(v), SchemaVersion))
		}
		return nil
	})
}

// Close closes the underlying database file.
func (d *DB) Close() error { return d.db.Close() }

// acquire takes the writer-serialization gate, failing with
// StorageBusy after writeTimeout.
func (d *DB) acquire() error {
	select {
	case <-d.sem:
		return nil
	case <-time.After(writeTimeout):
		if d.metrics != nil {
			d.metrics.StorageBusyTotal.Inc()
		}
		return guardianerrors.New("storage", "acquire", guardianerrors.KindStorageBusy,
			fmt.Errorf("lock acquisition timed out after %s", writeTimeout))
	}
}

func (d *DB) release() { d.sem <- struct{}{} }

// timedUpdate runs fn as a write transaction, observing its latency. Read
// paths use d.db.View directly: StorageWriteLatency tracks writes only.
func (d *DB) timedUpdate(fn func(tx *bolt.Tx) error) error {
	start := time.Now()
	err := d.db.Update(fn)
	if d.metrics != nil {
		d.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

func sessionKey(username, id string, startWall time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x1f%s\x1f%020d", username, id, startWall.UnixNano()))
}

// InsertSession is idempotent on (username, session_id, start_wall): the
// composite key means a repeated insert with identical fields simply
// overwrites the same record.
func (d *DB) InsertSession(rec SessionRecord) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	data, err := json.Marshal(rec)
	if err != nil {
		return guardianerrors.New("storage", "insert_session", guardianerrors.KindStorageIO, err).WithUsername(rec.Username).WithSession(rec.ID)
	}
	err = d.timedUpdate(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).Put(sessionKey(rec.Username, rec.ID, rec.StartWall), data)
	})
	if err != nil {
		return guardianerrors.New("storage", "insert_session", guardianerrors.KindStorageIO, err).WithUsername(rec.Username).WithSession(rec.ID)
	}
	return nil
}

// findSession locates a session's key+record by session id alone,
// scanning the sessions bucket (small cardinality: a handful of managed
// users with at most a few concurrent sessions each).
func (d *DB) findSession(tx *bolt.Tx, sessionID string) ([]byte, *SessionRecord, error) {
	b := tx.Bucket([]byte(bucketSessions))
	var foundKey []byte
	var found *SessionRecord
	err := b.ForEach(func(k, v []byte) error {
		var rec SessionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.ID == sessionID {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			foundKey = keyCopy
			found = &rec
		}
		return nil
	})
	return foundKey, found, err
}

// UpdateSessionProgress advances accumulated_seconds for an open
// session, atomic with respect to any concurrent read of the same
// record (guaranteed by the single-writer transaction).
func (d *DB) UpdateSessionProgress(sessionID string, accumulatedSeconds float64, lastUpdateWall time.Time) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	err := d.timedUpdate(func(tx *bolt.Tx) error {
		key, rec, err := d.findSession(tx, sessionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("session %q not found", sessionID)
		}
		rec.AccumulatedSeconds = accumulatedSeconds
		rec.LastUpdateWall = lastUpdateWall
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketSessions)).Put(key, data)
	})
	if err != nil {
		return guardianerrors.New("storage", "update_session_progress", guardianerrors.KindStorageIO, err).WithSession(sessionID)
	}
	return nil
}

// CloseSession marks a session closed with a final accumulated total.
func (d *DB) CloseSession(sessionID string, endWall time.Time, accumulatedSeconds float64) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	err := d.timedUpdate(func(tx *bolt.Tx) error {
		key, rec, err := d.findSession(tx, sessionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("session %q not found", sessionID)
		}
		end := endWall
		rec.EndWall = &end
		rec.AccumulatedSeconds = accumulatedSeconds
		rec.LastUpdateWall = endWall
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketSessions)).Put(key, data)
	})
	if err != nil {
		return guardianerrors.New("storage", "close_session", guardianerrors.KindStorageIO, err).WithSession(sessionID)
	}
	return nil
}

// ListOpenSessions returns all sessions with EndWall == nil, used on
// startup to seed the tracker's restart recovery.
func (d *DB) ListOpenSessions() ([]SessionRecord, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()

	var out []SessionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.EndWall == nil {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, guardianerrors.New("storage", "list_open_sessions", guardianerrors.KindStorageIO, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartWall.Before(out[j].StartWall) })
	return out, nil
}

// SumUsage returns the total seconds overlap(session, [since, until))
// across every stored session of username — the historical half of
// used_seconds; the live half comes from SessionTracker's in-memory
// state for currently-open sessions.
func (d *DB) SumUsage(username string, since, until time.Time) (float64, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()

	var total float64
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Username != username {
				return nil
			}
			total += overlapSeconds(rec, since, until)
			return nil
		})
	})
	if err != nil {
		return 0, guardianerrors.New("storage", "sum_usage", guardianerrors.KindStorageIO, err).WithUsername(username)
	}
	return total, nil
}

// overlapSeconds approximates overlap(session, [since,until)) using the
// session's recorded accumulated_seconds, clipped to the window by wall
// time proportion. Closed sessions contribute their full accumulated
// total when fully inside the window; sessions that only partially
// overlap are clipped by wall-clock boundary, which is exact for closed
// sessions (start/end known) and a reasonable approximation for open
// ones (end defaults to last_update_wall).
// OverlapSeconds is the exported form of overlapSeconds, used by
// the tracker to approximate the pre-rollover portion of a session
// that survived a daemon restart spanning a usage-day boundary.
func OverlapSeconds(rec SessionRecord, since, until time.Time) float64 {
	return overlapSeconds(rec, since, until)
}

func overlapSeconds(rec SessionRecord, since, until time.Time) float64 {
	end := rec.LastUpdateWall
	if rec.EndWall != nil {
		end = *rec.EndWall
	}
	start := rec.StartWall

	winStart := start
	if since.After(winStart) {
		winStart = since
	}
	winEnd := end
	if until.Before(winEnd) {
		winEnd = until
	}
	if !winEnd.After(winStart) {
		return 0
	}
	full := end.Sub(start).Seconds()
	if full <= 0 {
		return 0
	}
	clippedFraction := winEnd.Sub(winStart).Seconds() / full
	if clippedFraction > 1 {
		clippedFraction = 1
	}
	return rec.AccumulatedSeconds * clippedFraction
}

// SumClosedUsage is like SumUsage but considers only sessions that have
// already been closed — the historical half SessionTracker adds to its
// own in-memory live contribution for currently-open sessions, so a
// still-open session is never double-counted between storage and the
// tracker's in-memory state.
func (d *DB) SumClosedUsage(username string, since, until time.Time) (float64, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()

	var total float64
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Username != username || rec.EndWall == nil {
				return nil
			}
			total += overlapSeconds(rec, since, until)
			return nil
		})
	})
	if err != nil {
		return 0, guardianerrors.New("storage", "sum_closed_usage", guardianerrors.KindStorageIO, err).WithUsername(username)
	}
	return total, nil
}

func bonusKey(username string, dayStartWall int64) []byte {
	return []byte(fmt.Sprintf("%s\x1f%020d", username, dayStartWall))
}

// GrantBonus persists a bonus grant for the given usage day, applied
// immediately by the caller (the tracker re-reads bonuses via SumBonus
// in RemainingSeconds). No carryover: callers must only ever read the bonus for
// the current day's dayStartWall.
func (d *DB) GrantBonus(username string, dayStartWall int64, seconds int) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	key := bonusKey(username, dayStartWall)
	err := d.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBonuses))
		existing := 0
		if v := b.Get(key); v != nil {
			var rec BonusRecord
			if err := json.Unmarshal(v, &rec); err == nil {
				existing = rec.Seconds
			}
		}
		rec := BonusRecord{Username: username, DayStartWall: dayStartWall, Seconds: existing + seconds}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return guardianerrors.New("storage", "grant_bonus", guardianerrors.KindStorageIO, err).WithUsername(username)
	}
	return nil
}

// SumBonus returns the total bonus seconds granted for username's
// given usage day.
func (d *DB) SumBonus(username string, dayStartWall int64) (int, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()

	var seconds int
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBonuses)).Get(bonusKey(username, dayStartWall))
		if v == nil {
			return nil
		}
		var rec BonusRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		seconds = rec.Seconds
		return nil
	})
	if err != nil {
		return 0, guardianerrors.New("storage", "sum_bonus", guardianerrors.KindStorageIO, err).WithUsername(username)
	}
	return seconds, nil
}

// SyncConfig replaces the config_mirror bucket contents with values in
// a single transaction, so administrators can audit what the daemon
// last accepted.
func (d *DB) SyncConfig(values map[string]string) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	err := d.timedUpdate(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketConfigMirror)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketConfigMirror))
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return guardianerrors.New("storage", "sync_config", guardianerrors.KindStorageIO, err)
	}
	return nil
}

// ConfigMirror returns the current mirrored configuration view.
func (d *DB) ConfigMirror() (map[string]string, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()

	out := map[string]string{}
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketConfigMirror)).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, guardianerrors.New("storage", "config_mirror", guardianerrors.KindStorageIO, err)
	}
	return out, nil
}

// LastResetWall returns the last recorded reset instant, used by the
// systemd writer's catch-up-on-boot check, and zero if never set.
func (d *DB) LastResetWall() (time.Time, error) {
	if err := d.acquire(); err != nil {
		return time.Time{}, err
	}
	defer d.release()

	var out time.Time
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(keyLastResetWall))
		if v == nil {
			return nil
		}
		ts, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return err
		}
		out = ts
		return nil
	})
	if err != nil {
		return time.Time{}, guardianerrors.New("storage", "last_reset_wall", guardianerrors.KindStorageIO, err)
	}
	return out, nil
}

// SetLastResetWall records the instant of the most recent day rollover.
func (d *DB) SetLastResetWall(t time.Time) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	err := d.timedUpdate(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(keyLastResetWall), []byte(t.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return guardianerrors.New("storage", "set_last_reset_wall", guardianerrors.KindStorageIO, err)
	}
	return nil
}
