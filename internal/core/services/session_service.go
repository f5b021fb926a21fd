package services

import (
	"context"
	"fmt"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"

	"go.uber.org/zap"
)

type sessionService struct {
	sessionRepo ports.SessionRepository
	migrations  ports.MigrationTracker
	failover    ports.FailoverDriver
	logger      *zap.SugaredLogger
}

func NewSessionService(
	sessionRepo ports.SessionRepository,
	migrations ports.MigrationTracker,
	logger *zap.SugaredLogger,
) ports.SessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		migrations:  migrations,
		logger:      logger,
	}
}

func (s *sessionService) CreateSession(ctx context.Context, creator domain.ParticipantID) (*domain.Session, error) {
	now := time.Now()
	session := &domain.Session{
		ID:           domain.NewSessionID(),
		Participants: []domain.ParticipantID{creator},
		Generation:   1,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Infow("session created", "session", session.ID, "creator", creator)
	return session, nil
}

func (s *sessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.sessionRepo.GetByID(ctx, id)
}

func (s *sessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.sessionRepo.List(ctx)
}

func (s *sessionService) JoinSession(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) (*domain.Session, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.HasParticipant(participant) {
		return session, nil
	}
	if len(session.Participants) >= domain.MaxSessionParticipants {
		return nil, fmt.Errorf("%w: session %s is full", domain.ErrInvalidParticipantCount, id)
	}

	if err := s.sessionRepo.AddParticipant(ctx, id, participant); err != nil {
		return nil, err
	}

	s.logger.Infow("participant joined", "session", id, "participant", participant)
	return s.sessionRepo.GetByID(ctx, id)
}

func (s *sessionService) LeaveSession(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) (*domain.Session, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(participant) {
		return nil, domain.ErrParticipantNotFound
	}

	if err := s.sessionRepo.RemoveParticipant(ctx, id, participant); err != nil {
		return nil, err
	}

	// The departing member may have been the elected host.
	if session.Election != nil && session.Election.HostID == participant {
		s.logger.Infow("elected host left session", "session", id, "host", participant)
		if err := s.HostLost(ctx, id); err != nil {
			s.logger.Warnw("failed to begin host migration", "session", id, "error", err)
		}
	}

	session, err = s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(session.Participants) == 0 {
		if err := s.sessionRepo.Delete(ctx, id); err != nil {
			return nil, err
		}
		s.logger.Infow("empty session removed", "session", id)
	}
	return session, nil
}

// AcceptElection stores an announced result as the session's current hosts
// and completes any migration that was waiting on it.
func (s *sessionService) AcceptElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error {
	if err := s.sessionRepo.SetElection(ctx, id, result); err != nil {
		return err
	}
	if s.migrations.Complete(id) {
		s.logger.Infow("host migration completed",
			"session", id,
			"new_host", result.HostID,
			"round_id", result.RoundID,
		)
	}
	return nil
}

// SetFailoverDriver installs the re-election driver. Called once during
// wiring, before any traffic.
func (s *sessionService) SetFailoverDriver(driver ports.FailoverDriver) {
	s.failover = driver
}

// HostLost clears the session's stored hosts and opens a migration window.
// With a failover driver installed the driver also kicks off an immediate
// re-election round; otherwise the session runs on the backup until the
// next periodic round.
func (s *sessionService) HostLost(ctx context.Context, id domain.SessionID) error {
	if s.failover != nil {
		return s.failover.HostLost(ctx, id)
	}
	if err := s.migrations.Begin(id); err != nil {
		return err
	}
	if err := s.sessionRepo.ClearElection(ctx, id); err != nil {
		return err
	}
	s.logger.Warnw("host lost, migration window opened", "session", id)
	return nil
}
