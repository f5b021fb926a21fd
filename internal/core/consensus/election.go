package consensus

import (
	"fmt"
	"time"

	"ringmesh/internal/core/domain"
)

// Score rates a participant's suitability to act as compositing host.
// NAT openness dominates (up to 4000 points), bandwidth contributes
// moderately, latency up to 500 points, STUN reliability up to 100.
// The function is pure and integer-only so every participant computes the
// identical value from the identical record.
func Score(m *domain.ParticipantMetrics) uint32 {
	tier := m.NATTier
	if tier > 4 {
		// Out-of-range tiers saturate to the worst class instead of
		// wrapping the subtraction into a score no honest record
		// could ever beat.
		tier = 4
	}
	score := uint32(4-tier) * 1000
	score += m.UploadKbps / 10

	rttMs := uint32(m.RTT / time.Millisecond)
	if rttMs < 500 {
		score += 500 - rttMs
	}

	score += uint32(m.STUNSuccessPct)
	return score
}

// ChooseHosts selects the best and second-best scored participants in a
// single linear scan. Comparisons are strict, so equal scores keep the
// earlier index and the result is deterministic regardless of input order.
// With a single participant the backup index equals the host index.
func ChooseHosts(metrics []domain.ParticipantMetrics) (host, backup int, err error) {
	if len(metrics) == 0 {
		return 0, 0, fmt.Errorf("%w: 0", domain.ErrInvalidParticipantCount)
	}

	scores := make([]uint32, len(metrics))
	for i := range metrics {
		scores[i] = Score(&metrics[i])
	}

	host = 0
	backup = 0
	if len(metrics) > 1 {
		backup = 1
		if scores[1] > scores[0] {
			host, backup = 1, 0
		}
	}

	for i := 2; i < len(scores); i++ {
		if scores[i] > scores[host] {
			backup = host
			host = i
		} else if scores[i] > scores[backup] {
			backup = i
		}
	}

	return host, backup, nil
}

// Verify recomputes the election over the caller's own metrics snapshot and
// checks the announced winners against it. Order matters: an announcement
// with host and backup swapped is invalid, because the roles encode
// priority, not set membership. A false return is an expected disagreement
// outcome, not an error; only malformed input errors.
func Verify(metrics []domain.ParticipantMetrics, hostID, backupID domain.ParticipantID) (bool, error) {
	if len(metrics) == 0 {
		return false, fmt.Errorf("%w: 0", domain.ErrInvalidParticipantCount)
	}

	hostPos, backupPos := -1, -1
	for i := range metrics {
		if metrics[i].ParticipantID == hostID {
			hostPos = i
		}
		if metrics[i].ParticipantID == backupID {
			backupPos = i
		}
	}
	if hostPos < 0 || backupPos < 0 {
		return false, nil
	}

	host, backup, err := ChooseHosts(metrics)
	if err != nil {
		return false, err
	}

	return host == hostPos && backup == backupPos, nil
}
