package upload

import (
	"context"
	"sync"
	"time"

	"github.com/filevault/filevault/internal/logger"
)

const (
	// DefaultReapInterval is how often the reaper sweeps the ledger.
	DefaultReapInterval = 5 * time.Minute

	// DefaultRetention is how long terminal session records are kept
	// around for clients polling final status before being purged.
	DefaultRetention = time.Hour
)

// ReaperConfig tunes the expiry reaper.
type ReaperConfig struct {
	// Interval between sweeps. Defaults to DefaultReapInterval.
	Interval time.Duration

	// Retention is how long terminal sessions stay in the ledger after
	// their deadline. Defaults to DefaultRetention.
	Retention time.Duration
}

// Reaper expires abandoned upload sessions and purges stale terminal
// records. It runs as a background goroutine with a Start/Stop lifecycle.
type Reaper struct {
	engine    *Engine
	interval  time.Duration
	retention time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// ReapStats summarizes one sweep.
type ReapStats struct {
	Scanned int
	Expired int
	Purged  int
}

// NewReaper creates a reaper over the engine's ledger and backend.
func NewReaper(engine *Engine, cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultReapInterval
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}

	return &Reaper{
		engine:    engine,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		logger.Info("expiry reaper started", "interval", r.interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				stats, err := r.Sweep(ctx)
				if err != nil {
					logger.Error("reaper sweep failed", "error", err)
					continue
				}
				if stats.Expired > 0 || stats.Purged > 0 {
					logger.Info("reaper sweep finished",
						"scanned", stats.Scanned,
						"expired", stats.Expired,
						"purged", stats.Purged)
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

// Sweep runs one pass over the ledger: non-terminal sessions past their
// deadline are expired and their staging discarded; terminal sessions
// past retention have any remaining staging released and their records
// purged.
func (r *Reaper) Sweep(ctx context.Context) (ReapStats, error) {
	var stats ReapStats

	sessions, err := r.engine.ledger.List(ctx)
	if err != nil {
		return stats, err
	}

	now := time.Now()
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++

		switch {
		case s.ExpiredAt(now):
			if r.expireSession(ctx, s.ID) {
				stats.Expired++
			}
		case s.Status.Terminal() && now.After(s.ExpiresAt.Add(r.retention)):
			// Sessions expired in place while a client touched them still
			// hold their staging area; release it before the record goes.
			// Abort is idempotent for the rest.
			if err := r.engine.backend.Abort(ctx, s.ID, s.StagingRef); err != nil {
				logger.Warn("failed to discard staging of stale session",
					"session_id", s.ID, "error", err)
				continue
			}
			if err := r.engine.ledger.Delete(ctx, s.ID); err != nil {
				logger.Warn("failed to purge session record", "session_id", s.ID, "error", err)
				continue
			}
			r.engine.dropLock(s.ID)
			stats.Purged++
		}
	}

	return stats, nil
}

// expireSession marks one session expired. Eligibility is re-checked
// under the session lock: a session that completed between the scan and
// the lock acquisition stays completed.
func (r *Reaper) expireSession(ctx context.Context, sessionID string) bool {
	lock := r.engine.sessionLock(sessionID)
	lock.Lock()

	session, err := r.engine.ledger.Get(ctx, sessionID)
	if err != nil {
		lock.Unlock()
		return false
	}

	now := time.Now()
	if !session.ExpiredAt(now) {
		lock.Unlock()
		return false
	}

	// A merging session is mid-assembly and its merge outcome decides its
	// fate; only once it outlives the deadline by a full retention window
	// is the merge presumed dead.
	if session.Status == StatusMerging && now.Before(session.ExpiresAt.Add(r.retention)) {
		lock.Unlock()
		return false
	}

	stagingRef := session.StagingRef
	session.Status = StatusExpired
	session.UpdatedAt = time.Now().UTC()

	if err := r.engine.ledger.Put(ctx, session); err != nil {
		lock.Unlock()
		logger.Warn("failed to persist expired session", "session_id", sessionID, "error", err)
		return false
	}
	lock.Unlock()

	if err := r.engine.backend.Abort(ctx, sessionID, stagingRef); err != nil {
		logger.Warn("failed to discard staging of expired session",
			"session_id", sessionID, "error", err)
	}

	r.engine.metrics.RecordSessionFinished(string(session.StorageMode), "expired")
	r.engine.metrics.RecordSessionReaped(string(session.StorageMode))

	logger.Info("upload session expired", "session_id", sessionID, "owner_id", session.OwnerID)
	return true
}
