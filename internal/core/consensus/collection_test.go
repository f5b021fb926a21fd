package consensus

import (
	"testing"
	"time"

	"ringmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCollectionGrowth(t *testing.T) {
	c := NewMetricsCollection()

	for i := 0; i < 25; i++ {
		c.Add(testMetrics(byte(i+1), domain.NATTierOpen, 1000, 10*time.Millisecond, 90))
	}

	assert.Equal(t, 25, c.Len())
	snap := c.Snapshot()
	assert.Len(t, snap, 25)
	for i := range snap {
		assert.Equal(t, testID(byte(i+1)), snap[i].ParticipantID)
	}
}

func TestMetricsCollectionSnapshotIsCopy(t *testing.T) {
	c := NewMetricsCollection()
	c.Add(testMetrics(1, domain.NATTierOpen, 1000, 10*time.Millisecond, 90))

	snap := c.Snapshot()
	snap[0].UploadKbps = 0

	assert.Equal(t, uint32(1000), c.Snapshot()[0].UploadKbps)
}

func TestMetricsCollectionHas(t *testing.T) {
	c := NewMetricsCollection()
	c.Add(testMetrics(1, domain.NATTierOpen, 1000, 10*time.Millisecond, 90))

	assert.True(t, c.Has(testID(1)))
	assert.False(t, c.Has(testID(2)))
}

func TestMetricsCollectionReset(t *testing.T) {
	c := NewMetricsCollection()
	c.Add(testMetrics(1, domain.NATTierOpen, 1000, 10*time.Millisecond, 90))
	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has(testID(1)))
}
