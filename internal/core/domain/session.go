package domain

import "time"

// MaxSessionParticipants matches the ring's maximum size.
const MaxSessionParticipants = 64

// Session is the discovery service's view of one mesh: its members and the
// most recently accepted election result.
type Session struct {
	ID           SessionID
	Participants []ParticipantID
	Generation   uint32
	Election     *ElectionResult
	CreatedAt    time.Time
	LastActivity time.Time
}

// HasParticipant reports membership by id equality.
func (s *Session) HasParticipant(id ParticipantID) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// MigrationContext records one in-flight host failover. Created when host
// loss is detected, destroyed when the backup promotion completes or times
// out.
type MigrationContext struct {
	SessionID SessionID
	StartedAt time.Time
}
