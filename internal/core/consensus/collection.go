package consensus

import "ringmesh/internal/core/domain"

const initialCollectionCapacity = 10

// MetricsCollection accumulates the metrics received from ring peers during
// one collection round. Append-only with geometric growth. It carries no
// locking of its own; the round coordinator serializes access.
type MetricsCollection struct {
	metrics []domain.ParticipantMetrics
}

func NewMetricsCollection() *MetricsCollection {
	return &MetricsCollection{
		metrics: make([]domain.ParticipantMetrics, 0, initialCollectionCapacity),
	}
}

// Add appends one record. Growth doubles the backing capacity.
func (c *MetricsCollection) Add(m domain.ParticipantMetrics) {
	if len(c.metrics) == cap(c.metrics) {
		grown := make([]domain.ParticipantMetrics, len(c.metrics), cap(c.metrics)*2)
		copy(grown, c.metrics)
		c.metrics = grown
	}
	c.metrics = append(c.metrics, m)
}

func (c *MetricsCollection) Len() int {
	return len(c.metrics)
}

// Has reports whether a record from the given participant is present.
func (c *MetricsCollection) Has(id domain.ParticipantID) bool {
	for i := range c.metrics {
		if c.metrics[i].ParticipantID == id {
			return true
		}
	}
	return false
}

// Snapshot returns a read-only copy of the accumulated records.
func (c *MetricsCollection) Snapshot() []domain.ParticipantMetrics {
	out := make([]domain.ParticipantMetrics, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Reset discards all records, keeping the backing capacity for the next
// round.
func (c *MetricsCollection) Reset() {
	c.metrics = c.metrics[:0]
}
