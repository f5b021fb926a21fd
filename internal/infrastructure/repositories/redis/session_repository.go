package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository persists sessions so election results and ring
// membership survive a discovery-service restart. One JSON value per
// session plus an index set of live session ids.
type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "ringmesh:session:",
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + id.String()
}

func (r *RedisSessionRepository) indexKey() string {
	return r.prefix + "all"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := r.sessionKey(session.ID)
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	if err := r.client.SAdd(ctx, r.indexKey(), session.ID.String()).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if !ok {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	removed, err := r.client.Del(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrSessionNotFound
	}
	return r.client.SRem(ctx, r.indexKey(), id.String()).Err()
}

func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*domain.Session
	for _, idStr := range ids {
		id, err := domain.ParseSessionID(idStr)
		if err != nil {
			continue
		}
		session, err := r.GetByID(ctx, id)
		if err != nil {
			// Index entry may outlive the value; skip and let cleanup
			// reconcile.
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (r *RedisSessionRepository) AddParticipant(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) error {
	return r.mutate(ctx, id, func(session *domain.Session) error {
		if session.HasParticipant(participant) {
			return nil
		}
		session.Participants = append(session.Participants, participant)
		session.Generation++
		session.LastActivity = time.Now()
		return nil
	})
}

func (r *RedisSessionRepository) RemoveParticipant(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) error {
	return r.mutate(ctx, id, func(session *domain.Session) error {
		for i, p := range session.Participants {
			if p == participant {
				session.Participants = append(session.Participants[:i], session.Participants[i+1:]...)
				session.Generation++
				session.LastActivity = time.Now()
				return nil
			}
		}
		return domain.ErrParticipantNotFound
	})
}

func (r *RedisSessionRepository) SetElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error {
	return r.mutate(ctx, id, func(session *domain.Session) error {
		copied := *result
		session.Election = &copied
		session.LastActivity = time.Now()
		return nil
	})
}

func (r *RedisSessionRepository) ClearElection(ctx context.Context, id domain.SessionID) error {
	return r.mutate(ctx, id, func(session *domain.Session) error {
		session.Election = nil
		session.LastActivity = time.Now()
		return nil
	})
}

func (r *RedisSessionRepository) DeleteIdle(ctx context.Context, olderThan time.Time) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, session := range sessions {
		if session.LastActivity.Before(olderThan) {
			if err := r.Delete(ctx, session.ID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (r *RedisSessionRepository) mutate(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(session); err != nil {
		return err
	}
	return r.Update(ctx, session)
}
