package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// ParticipantID is a 16-byte opaque identifier. Its unsigned byte-wise
// ordering is the canonical ring order and never changes for the lifetime
// of a session.
type ParticipantID [16]byte

type SessionID [16]byte

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New())
}

func ParseParticipantID(s string) (ParticipantID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ParticipantID{}, err
	}
	return ParticipantID(u), nil
}

func (id ParticipantID) String() string {
	return uuid.UUID(id).String()
}

func (id ParticipantID) IsZero() bool {
	return id == ParticipantID{}
}

// MarshalText renders the id in UUID form, so JSON and log output stay
// readable.
func (id ParticipantID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ParticipantID) UnmarshalText(text []byte) error {
	parsed, err := ParseParticipantID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Compare orders ids by unsigned byte-wise comparison.
func (id ParticipantID) Compare(other ParticipantID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ParticipantID) Less(other ParticipantID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, err
	}
	return SessionID(u), nil
}

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NAT tiers, least restrictive first. Tier drives the dominant term of the
// election score.
const (
	NATTierOpen       uint8 = 0 // public IP or LAN
	NATTierFullCone   uint8 = 1
	NATTierRestricted uint8 = 2
	NATTierPortRestr  uint8 = 3
	NATTierSymmetric  uint8 = 4 // usually requires relay
)

const (
	ConnectionDirect  uint8 = 0
	ConnectionRelayed uint8 = 1
)

// ParticipantMetrics is one participant's network-quality snapshot for a
// single collection round. RTT is kept at nanosecond resolution in memory;
// the wire codec converts to milliseconds.
type ParticipantMetrics struct {
	ParticipantID     ParticipantID
	NATTier           uint8
	UploadKbps        uint32
	RTT               time.Duration
	STUNSuccessPct    uint8
	PublicAddress     string
	PublicPort        uint16
	ConnectionType    uint8
	MeasuredAt        time.Time
	MeasurementWindow time.Duration
}
