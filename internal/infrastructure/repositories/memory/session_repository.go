package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*domain.Session
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.Session),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *MemorySessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	return sessions, nil
}

func (r *MemorySessionRepository) AddParticipant(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if session.HasParticipant(participant) {
		return nil
	}
	session.Participants = append(session.Participants, participant)
	session.Generation++
	session.LastActivity = time.Now()
	return nil
}

func (r *MemorySessionRepository) RemoveParticipant(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	for i, p := range session.Participants {
		if p == participant {
			session.Participants = append(session.Participants[:i], session.Participants[i+1:]...)
			session.Generation++
			session.LastActivity = time.Now()
			return nil
		}
	}
	return domain.ErrParticipantNotFound
}

func (r *MemorySessionRepository) SetElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	copied := *result
	session.Election = &copied
	session.LastActivity = time.Now()
	return nil
}

func (r *MemorySessionRepository) ClearElection(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	session.Election = nil
	session.LastActivity = time.Now()
	return nil
}

func (r *MemorySessionRepository) DeleteIdle(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, session := range r.sessions {
		if session.LastActivity.Before(olderThan) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func cloneSession(s *domain.Session) *domain.Session {
	copied := *s
	copied.Participants = make([]domain.ParticipantID, len(s.Participants))
	copy(copied.Participants, s.Participants)
	if s.Election != nil {
		election := *s.Election
		copied.Election = &election
	}
	return &copied
}
