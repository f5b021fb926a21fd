package consensus

import (
	"testing"
	"time"

	"ringmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testID(v byte) domain.ParticipantID {
	var id domain.ParticipantID
	id[15] = v
	return id
}

func testMetrics(v byte, natTier uint8, uploadKbps uint32, rtt time.Duration, stunPct uint8) domain.ParticipantMetrics {
	return domain.ParticipantMetrics{
		ParticipantID:  testID(v),
		NATTier:        natTier,
		UploadKbps:     uploadKbps,
		RTT:            rtt,
		STUNSuccessPct: stunPct,
		PublicAddress:  "203.0.113.10",
		PublicPort:     27224,
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		metrics domain.ParticipantMetrics
		want    uint32
	}{
		{
			name:    "open NAT high bandwidth",
			metrics: testMetrics(1, domain.NATTierOpen, 100000, 20*time.Millisecond, 98),
			want:    14578, // 4000 + 10000 + 480 + 98
		},
		{
			name:    "port restricted NAT",
			metrics: testMetrics(2, domain.NATTierPortRestr, 10000, 50*time.Millisecond, 85),
			want:    2535, // 1000 + 1000 + 450 + 85
		},
		{
			name:    "rtt at or above 500ms earns nothing",
			metrics: testMetrics(3, domain.NATTierOpen, 0, 500*time.Millisecond, 0),
			want:    4000,
		},
		{
			name:    "symmetric NAT zeroes the tier term",
			metrics: testMetrics(4, domain.NATTierSymmetric, 0, time.Second, 0),
			want:    0,
		},
		{
			name:    "out-of-range tier saturates to worst class",
			metrics: testMetrics(5, 9, 0, time.Second, 0),
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(&tt.metrics))
		})
	}
}

func TestChooseHosts(t *testing.T) {
	// Scores: 8565, 2535, 12578, 11071
	metrics := []domain.ParticipantMetrics{
		testMetrics(1, domain.NATTierFullCone, 50000, 35*time.Millisecond, 100),
		testMetrics(2, domain.NATTierPortRestr, 10000, 50*time.Millisecond, 85),
		testMetrics(3, domain.NATTierOpen, 80000, 20*time.Millisecond, 98),
		testMetrics(4, domain.NATTierOpen, 65000, 29*time.Millisecond, 100),
	}
	require.Equal(t, uint32(8565), Score(&metrics[0]))
	require.Equal(t, uint32(2535), Score(&metrics[1]))
	require.Equal(t, uint32(12578), Score(&metrics[2]))
	require.Equal(t, uint32(11071), Score(&metrics[3]))

	host, backup, err := ChooseHosts(metrics)
	require.NoError(t, err)
	assert.Equal(t, 2, host)
	assert.Equal(t, 3, backup)

	// Same winners regardless of array order.
	shuffled := []domain.ParticipantMetrics{metrics[3], metrics[1], metrics[0], metrics[2]}
	host, backup, err = ChooseHosts(shuffled)
	require.NoError(t, err)
	assert.Equal(t, testID(3), shuffled[host].ParticipantID)
	assert.Equal(t, testID(4), shuffled[backup].ParticipantID)
}

func TestChooseHostsCraftedTierCannotWin(t *testing.T) {
	// A tier past the valid range must not wrap (4-tier) into an
	// unbeatable score.
	metrics := []domain.ParticipantMetrics{
		testMetrics(1, domain.NATTierOpen, 100000, 20*time.Millisecond, 98),
		testMetrics(2, 255, 0, time.Second, 0),
	}
	host, _, err := ChooseHosts(metrics)
	require.NoError(t, err)
	assert.Equal(t, 0, host)
	assert.Equal(t, uint32(0), Score(&metrics[1]))
}

func TestChooseHostsTieKeepsEarliestIndex(t *testing.T) {
	metrics := []domain.ParticipantMetrics{
		testMetrics(1, domain.NATTierOpen, 50000, 40*time.Millisecond, 90),
		testMetrics(2, domain.NATTierOpen, 50000, 40*time.Millisecond, 90),
		testMetrics(3, domain.NATTierOpen, 50000, 40*time.Millisecond, 90),
	}
	host, backup, err := ChooseHosts(metrics)
	require.NoError(t, err)
	assert.Equal(t, 0, host)
	assert.Equal(t, 1, backup)
}

func TestChooseHostsSingleParticipant(t *testing.T) {
	metrics := []domain.ParticipantMetrics{
		testMetrics(1, domain.NATTierOpen, 50000, 40*time.Millisecond, 90),
	}
	host, backup, err := ChooseHosts(metrics)
	require.NoError(t, err)
	assert.Equal(t, 0, host)
	assert.Equal(t, 0, backup, "a lone participant backs itself up")
}

func TestChooseHostsEmpty(t *testing.T) {
	_, _, err := ChooseHosts(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParticipantCount)
}

func TestVerify(t *testing.T) {
	metrics := []domain.ParticipantMetrics{
		testMetrics(1, domain.NATTierRestricted, 50000, 40*time.Millisecond, 90),
		testMetrics(2, domain.NATTierOpen, 100000, 20*time.Millisecond, 95),
		testMetrics(3, domain.NATTierFullCone, 75000, 30*time.Millisecond, 95),
	}

	ok, err := Verify(metrics, testID(2), testID(3))
	require.NoError(t, err)
	assert.True(t, ok)

	// Swapped host/backup names the same pair but the wrong priority.
	ok, err = Verify(metrics, testID(3), testID(2))
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown ids disagree without erroring.
	ok, err = Verify(metrics, testID(9), testID(3))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(metrics, testID(2), testID(9))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyEmptyIsError(t *testing.T) {
	_, err := Verify(nil, testID(1), testID(2))
	assert.ErrorIs(t, err, domain.ErrInvalidParticipantCount)
}
