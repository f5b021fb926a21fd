package ports

import (
	"context"
	"time"

	"ringmesh/internal/core/domain"
)

type SessionService interface {
	CreateSession(ctx context.Context, creator domain.ParticipantID) (*domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	JoinSession(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) (*domain.Session, error)
	LeaveSession(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	AcceptElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error
	HostLost(ctx context.Context, id domain.SessionID) error

	// SetFailoverDriver hands host-loss handling to a driver that can run
	// an immediate re-election. Without one the service only opens the
	// migration window and waits for the next periodic round.
	SetFailoverDriver(driver FailoverDriver)
}

// FailoverDriver reacts to a lost host by re-electing right away instead of
// waiting out the round interval.
type FailoverDriver interface {
	HostLost(ctx context.Context, sessionID domain.SessionID) error
}

// ElectionAcceptor records an announced election result against its session.
type ElectionAcceptor interface {
	AcceptElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error
}

// MigrationTracker bounds how long a host failover may remain in flight.
type MigrationTracker interface {
	Begin(sessionID domain.SessionID) error
	Complete(sessionID domain.SessionID) bool
	Active() int
	Sweep(timeout time.Duration) []domain.MigrationContext
}

// PacketBroadcaster delivers an encoded consensus packet to every connected
// member of a session, excluding the ids listed.
type PacketBroadcaster interface {
	Broadcast(ctx context.Context, sessionID domain.SessionID, packetType uint16, payload []byte, exclude ...domain.ParticipantID) error
	Send(ctx context.Context, sessionID domain.SessionID, to domain.ParticipantID, packetType uint16, payload []byte) error
}
