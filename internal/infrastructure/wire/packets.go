package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"ringmesh/internal/core/domain"
)

// RingMembers (6100) distributes the full membership snapshot so every
// participant can rebuild the same topology. Layout (1046 bytes):
//
//	session_id[16] participant_ids[64][16] num_participants(1)
//	ring_leader_index(1) generation(4)
type RingMembers struct {
	SessionID       domain.SessionID
	ParticipantIDs  []domain.ParticipantID
	RingLeaderIndex uint8
	Generation      uint32
}

func (p *RingMembers) MarshalBinary() ([]byte, error) {
	if len(p.ParticipantIDs) == 0 || len(p.ParticipantIDs) > maxMembers {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidParticipantCount, len(p.ParticipantIDs))
	}

	buf := make([]byte, RingMembersSize)
	copy(buf[0:16], p.SessionID[:])
	for i, id := range p.ParticipantIDs {
		copy(buf[16+i*idSize:], id[:])
	}
	buf[1040] = uint8(len(p.ParticipantIDs))
	buf[1041] = p.RingLeaderIndex
	binary.BigEndian.PutUint32(buf[1042:1046], p.Generation)
	return buf, nil
}

func (p *RingMembers) UnmarshalBinary(data []byte) error {
	if len(data) < RingMembersSize {
		return fmt.Errorf("%w: RING_MEMBERS %d < %d", domain.ErrShortPacket, len(data), RingMembersSize)
	}

	count := int(data[1040])
	if count == 0 || count > maxMembers {
		return fmt.Errorf("%w: %d", domain.ErrInvalidParticipantCount, count)
	}

	copy(p.SessionID[:], data[0:16])
	p.ParticipantIDs = make([]domain.ParticipantID, count)
	for i := 0; i < count; i++ {
		copy(p.ParticipantIDs[i][:], data[16+i*idSize:])
	}
	p.RingLeaderIndex = data[1041]
	p.Generation = binary.BigEndian.Uint32(data[1042:1046])
	return nil
}

// CollectionStart (6101) opens a stats round. Layout (44 bytes):
//
//	session_id[16] initiator_id[16] round_id(4) collection_deadline(8)
type CollectionStart struct {
	SessionID   domain.SessionID
	InitiatorID domain.ParticipantID
	RoundID     uint32
	Deadline    time.Time
}

func (p *CollectionStart) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CollectionStartSize)
	copy(buf[0:16], p.SessionID[:])
	copy(buf[16:32], p.InitiatorID[:])
	binary.BigEndian.PutUint32(buf[32:36], p.RoundID)
	binary.BigEndian.PutUint64(buf[36:44], uint64(p.Deadline.UnixNano()))
	return buf, nil
}

func (p *CollectionStart) UnmarshalBinary(data []byte) error {
	if len(data) < CollectionStartSize {
		return fmt.Errorf("%w: STATS_COLLECTION_START %d < %d", domain.ErrShortPacket, len(data), CollectionStartSize)
	}
	copy(p.SessionID[:], data[0:16])
	copy(p.InitiatorID[:], data[16:32])
	p.RoundID = binary.BigEndian.Uint32(data[32:36])
	p.Deadline = time.Unix(0, int64(binary.BigEndian.Uint64(data[36:44]))).UTC()
	return nil
}

// StatsUpdate (6102) carries a sender's accumulated metrics for a round.
// Layout: 37-byte header followed by num_metrics 103-byte records:
//
//	session_id[16] sender_id[16] round_id(4) num_metrics(1) metrics[n][103]
type StatsUpdate struct {
	SessionID domain.SessionID
	SenderID  domain.ParticipantID
	RoundID   uint32
	Metrics   []domain.ParticipantMetrics
}

func (p *StatsUpdate) MarshalBinary() ([]byte, error) {
	if len(p.Metrics) > maxMembers {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidParticipantCount, len(p.Metrics))
	}

	buf := make([]byte, StatsUpdateHeaderSize, StatsUpdateHeaderSize+len(p.Metrics)*ParticipantMetricsSize)
	copy(buf[0:16], p.SessionID[:])
	copy(buf[16:32], p.SenderID[:])
	binary.BigEndian.PutUint32(buf[32:36], p.RoundID)
	buf[36] = uint8(len(p.Metrics))
	for i := range p.Metrics {
		buf = AppendMetrics(buf, &p.Metrics[i])
	}
	return buf, nil
}

func (p *StatsUpdate) UnmarshalBinary(data []byte) error {
	if len(data) < StatsUpdateHeaderSize {
		return fmt.Errorf("%w: STATS_UPDATE %d < %d", domain.ErrShortPacket, len(data), StatsUpdateHeaderSize)
	}

	count := int(data[36])
	want := StatsUpdateHeaderSize + count*ParticipantMetricsSize
	if len(data) < want {
		return fmt.Errorf("%w: STATS_UPDATE %d < %d for %d records", domain.ErrShortPacket, len(data), want, count)
	}

	copy(p.SessionID[:], data[0:16])
	copy(p.SenderID[:], data[16:32])
	p.RoundID = binary.BigEndian.Uint32(data[32:36])
	p.Metrics = make([]domain.ParticipantMetrics, count)
	for i := 0; i < count; i++ {
		m, err := DecodeMetrics(data[StatsUpdateHeaderSize+i*ParticipantMetricsSize:])
		if err != nil {
			return err
		}
		p.Metrics[i] = m
	}
	return nil
}

// ElectionResult (6103) announces the elected host and backup with their
// addresses, so an acknowledger can verify and connect without a further
// lookup. Layout (209 bytes):
//
//	session_id[16] leader_id[16] round_id(4) host_id[16] host_address[64]
//	host_port(2) backup_id[16] backup_address[64] backup_port(2)
//	elected_at(8) num_participants(1)
type ElectionResult struct {
	SessionID       domain.SessionID
	LeaderID        domain.ParticipantID
	RoundID         uint32
	HostID          domain.ParticipantID
	HostAddress     string
	HostPort        uint16
	BackupID        domain.ParticipantID
	BackupAddress   string
	BackupPort      uint16
	ElectedAt       time.Time
	NumParticipants uint8
}

func (p *ElectionResult) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ElectionResultSize)
	copy(buf[0:16], p.SessionID[:])
	copy(buf[16:32], p.LeaderID[:])
	binary.BigEndian.PutUint32(buf[32:36], p.RoundID)
	copy(buf[36:52], p.HostID[:])
	putAddress(buf[52:116], p.HostAddress)
	binary.BigEndian.PutUint16(buf[116:118], p.HostPort)
	copy(buf[118:134], p.BackupID[:])
	putAddress(buf[134:198], p.BackupAddress)
	binary.BigEndian.PutUint16(buf[198:200], p.BackupPort)
	binary.BigEndian.PutUint64(buf[200:208], uint64(p.ElectedAt.UnixNano()))
	buf[208] = p.NumParticipants
	return buf, nil
}

func (p *ElectionResult) UnmarshalBinary(data []byte) error {
	if len(data) < ElectionResultSize {
		return fmt.Errorf("%w: RING_ELECTION_RESULT %d < %d", domain.ErrShortPacket, len(data), ElectionResultSize)
	}
	copy(p.SessionID[:], data[0:16])
	copy(p.LeaderID[:], data[16:32])
	p.RoundID = binary.BigEndian.Uint32(data[32:36])
	copy(p.HostID[:], data[36:52])
	p.HostAddress = getAddress(data[52:116])
	p.HostPort = binary.BigEndian.Uint16(data[116:118])
	copy(p.BackupID[:], data[118:134])
	p.BackupAddress = getAddress(data[134:198])
	p.BackupPort = binary.BigEndian.Uint16(data[198:200])
	p.ElectedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[200:208]))).UTC()
	p.NumParticipants = data[208]
	return nil
}

// Domain converts the announcement into the domain record accepted by the
// round coordinator.
func (p *ElectionResult) Domain() *domain.ElectionResult {
	return &domain.ElectionResult{
		RoundID:       p.RoundID,
		HostID:        p.HostID,
		HostAddress:   p.HostAddress,
		HostPort:      p.HostPort,
		BackupID:      p.BackupID,
		BackupAddress: p.BackupAddress,
		BackupPort:    p.BackupPort,
		ElectedAt:     p.ElectedAt,
	}
}

// StatsAck (6104) closes the loop: each receiver reports the host and
// backup it derived locally, letting the initiator detect disagreement.
// Layout (69 bytes):
//
//	session_id[16] participant_id[16] round_id(4) ack_status(1)
//	stored_host_id[16] stored_backup_id[16]
type StatsAck struct {
	SessionID      domain.SessionID
	ParticipantID  domain.ParticipantID
	RoundID        uint32
	AckStatus      uint8
	StoredHostID   domain.ParticipantID
	StoredBackupID domain.ParticipantID
}

func (p *StatsAck) MarshalBinary() ([]byte, error) {
	buf := make([]byte, StatsAckSize)
	copy(buf[0:16], p.SessionID[:])
	copy(buf[16:32], p.ParticipantID[:])
	binary.BigEndian.PutUint32(buf[32:36], p.RoundID)
	buf[36] = p.AckStatus
	copy(buf[37:53], p.StoredHostID[:])
	copy(buf[53:69], p.StoredBackupID[:])
	return buf, nil
}

func (p *StatsAck) UnmarshalBinary(data []byte) error {
	if len(data) < StatsAckSize {
		return fmt.Errorf("%w: STATS_ACK %d < %d", domain.ErrShortPacket, len(data), StatsAckSize)
	}
	copy(p.SessionID[:], data[0:16])
	copy(p.ParticipantID[:], data[16:32])
	p.RoundID = binary.BigEndian.Uint32(data[32:36])
	p.AckStatus = data[36]
	copy(p.StoredHostID[:], data[37:53])
	copy(p.StoredBackupID[:], data[53:69])
	return nil
}
