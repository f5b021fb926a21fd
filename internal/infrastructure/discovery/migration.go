package discovery

import (
	"fmt"
	"sync"
	"time"

	"ringmesh/internal/core/domain"

	"go.uber.org/zap"
)

// MaxActiveMigrations is the hard capacity of the migration table. Slots
// are a bounded resource; exceeding the capacity is a reported condition,
// never silent truncation.
const MaxActiveMigrations = 32

// MigrationMonitor tracks in-flight host failovers by elapsed time. It is
// an explicitly owned object constructed by the discovery server, not a
// package singleton, so tests get isolated state. A single coarse lock
// guards the fixed table.
type MigrationMonitor struct {
	mu     sync.Mutex
	active []domain.MigrationContext
	logger *zap.SugaredLogger

	now func() time.Time
}

func NewMigrationMonitor(logger *zap.SugaredLogger) *MigrationMonitor {
	return &MigrationMonitor{
		active: make([]domain.MigrationContext, 0, MaxActiveMigrations),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *MigrationMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Begin starts tracking a failover for the session. Idempotent: a session
// already migrating keeps its original start time. Returns
// ErrMigrationCapacity when all slots are taken.
func (m *MigrationMonitor) Begin(sessionID domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.active {
		if m.active[i].SessionID == sessionID {
			return nil
		}
	}

	if len(m.active) >= MaxActiveMigrations {
		m.logger.Warnw("migration table full",
			"session", sessionID,
			"active", len(m.active),
		)
		return fmt.Errorf("%w: %d active", domain.ErrMigrationCapacity, len(m.active))
	}

	m.active = append(m.active, domain.MigrationContext{
		SessionID: sessionID,
		StartedAt: m.now(),
	})
	m.logger.Infow("migration started", "session", sessionID)
	return nil
}

// Complete frees the session's slot after a successful failover. Returns
// false if no migration was being tracked for the session.
func (m *MigrationMonitor) Complete(sessionID domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.active {
		if m.active[i].SessionID == sessionID {
			elapsed := m.now().Sub(m.active[i].StartedAt)
			m.active = append(m.active[:i], m.active[i+1:]...)
			m.logger.Infow("migration completed",
				"session", sessionID,
				"elapsed", elapsed,
			)
			return true
		}
	}
	return false
}

// Pending reports whether a failover for the session is being tracked.
func (m *MigrationMonitor) Pending(sessionID domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.active {
		if m.active[i].SessionID == sessionID {
			return true
		}
	}
	return false
}

// Active returns how many migrations are currently tracked.
func (m *MigrationMonitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes and returns every migration whose elapsed time exceeds the
// timeout. Timed-out slots are always freed; the caller owns the cleanup
// (clearing the session's host, logging). Timeout is an expected outcome,
// distinct from completion, not an error.
func (m *MigrationMonitor) Sweep(timeout time.Duration) []domain.MigrationContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var timedOut []domain.MigrationContext

	kept := m.active[:0]
	for _, ctx := range m.active {
		if now.Sub(ctx.StartedAt) >= timeout {
			timedOut = append(timedOut, ctx)
			m.logger.Warnw("migration timed out",
				"session", ctx.SessionID,
				"elapsed", now.Sub(ctx.StartedAt),
			)
			continue
		}
		kept = append(kept, ctx)
	}
	m.active = kept
	return timedOut
}
