package domain

import "time"

// ElectionResult is the accepted outcome of one stats-collection round.
// Host and backup are ordered roles: host performs stream compositing,
// backup stands by for failover. Addresses are carried so a receiver can
// connect without a further lookup.
type ElectionResult struct {
	RoundID       uint32
	HostID        ParticipantID
	HostAddress   string
	HostPort      uint16
	BackupID      ParticipantID
	BackupAddress string
	BackupPort    uint16
	ElectedAt     time.Time
}
