package consensus

import (
	"fmt"
	"sort"

	"ringmesh/internal/core/domain"
)

// MaxRingSize bounds how many participants one ring snapshot may hold.
const MaxRingSize = 64

// RingTopology is a canonical ordering of a participant set, built once per
// round from a membership snapshot. Every participant that sorts the same
// input derives the same positions, so roles fall out without any message
// exchange: the last id in sorted order is the ring leader.
type RingTopology struct {
	participants []domain.ParticipantID // sorted, ascending byte-wise
	position     int                    // caller's index in participants
}

// NewRingTopology sorts the snapshot and locates myID within it. The input
// slice is not modified. Fails when the set is empty, exceeds MaxRingSize,
// or myID is absent.
func NewRingTopology(ids []domain.ParticipantID, myID domain.ParticipantID) (*RingTopology, error) {
	if len(ids) == 0 || len(ids) > MaxRingSize {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidParticipantCount, len(ids))
	}

	sorted := make([]domain.ParticipantID, len(ids))
	copy(sorted, ids)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})

	position := -1
	for i, id := range sorted {
		if id == myID {
			position = i
			break
		}
	}
	if position < 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInRing, myID)
	}

	return &RingTopology{participants: sorted, position: position}, nil
}

// Position returns the caller's index in the sorted ring.
func (t *RingTopology) Position() int {
	return t.position
}

// Size returns the number of ring members.
func (t *RingTopology) Size() int {
	return len(t.participants)
}

// IsLeader reports whether the caller holds the administrative leader role,
// which always belongs to the id that sorts last.
func (t *RingTopology) IsLeader() bool {
	return t.position == len(t.participants)-1
}

// Leader returns the id at the last sorted position.
func (t *RingTopology) Leader() domain.ParticipantID {
	return t.participants[len(t.participants)-1]
}

// Next returns the caller's successor with wraparound.
func (t *RingTopology) Next() domain.ParticipantID {
	return t.participants[(t.position+1)%len(t.participants)]
}

// Prev returns the caller's predecessor with wraparound.
func (t *RingTopology) Prev() domain.ParticipantID {
	n := len(t.participants)
	return t.participants[(t.position-1+n)%n]
}

// Participants returns a copy of the sorted membership. Callers holding the
// same snapshot re-derive the identical topology from it.
func (t *RingTopology) Participants() []domain.ParticipantID {
	out := make([]domain.ParticipantID, len(t.participants))
	copy(out, t.participants)
	return out
}
