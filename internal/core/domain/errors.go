package domain

import "errors"

var (
	ErrInvalidParticipantCount = errors.New("participant count out of range")
	ErrNotInRing               = errors.New("caller id not present in ring")
	ErrParticipantNotFound     = errors.New("participant not found")
	ErrSessionNotFound         = errors.New("session not found")
	ErrInvalidRoundState       = errors.New("invalid round state transition")
	ErrNoElectionResult        = errors.New("no election result available")
	ErrMigrationCapacity       = errors.New("migration table capacity exceeded")
	ErrInvalidNATTier          = errors.New("nat tier out of range")
	ErrShortPacket             = errors.New("packet shorter than minimum size")
	ErrUnknownPacketType       = errors.New("unknown packet type")
)
