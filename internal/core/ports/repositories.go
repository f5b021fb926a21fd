package ports

import (
	"context"
	"time"

	"ringmesh/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, id domain.SessionID) error
	List(ctx context.Context) ([]*domain.Session, error)

	AddParticipant(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) error
	RemoveParticipant(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) error

	SetElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error
	ClearElection(ctx context.Context, id domain.SessionID) error

	DeleteIdle(ctx context.Context, olderThan time.Time) (int, error)
}
