package netprobe

import (
	"context"
	"fmt"
	"time"

	"ringmesh/internal/core/domain"

	"go.uber.org/zap"
)

// Collector turns prober observations into ParticipantMetrics records. It
// satisfies the consensus.Measurer contract.
type Collector struct {
	prober Prober
	window time.Duration
	logger *zap.SugaredLogger

	now func() time.Time
}

func NewCollector(prober Prober, window time.Duration, logger *zap.SugaredLogger) *Collector {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Collector{
		prober: prober,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// Measure runs one probe and stamps the result with the caller's identity
// and the measurement window.
func (c *Collector) Measure(ctx context.Context, id domain.ParticipantID) (domain.ParticipantMetrics, error) {
	probe, err := c.prober.Probe(ctx)
	if err != nil {
		return domain.ParticipantMetrics{}, fmt.Errorf("probe: %w", err)
	}

	m := domain.ParticipantMetrics{
		ParticipantID:     id,
		NATTier:           probe.NATTier,
		UploadKbps:        probe.UploadKbps,
		RTT:               probe.RTT,
		STUNSuccessPct:    probe.STUNSuccessPct,
		PublicAddress:     probe.PublicAddress,
		PublicPort:        probe.PublicPort,
		ConnectionType:    probe.ConnectionType,
		MeasuredAt:        c.now(),
		MeasurementWindow: c.window,
	}

	c.logger.Debugw("measured own metrics",
		"participant", id,
		"nat_tier", m.NATTier,
		"upload_kbps", m.UploadKbps,
		"rtt", m.RTT,
		"stun_pct", m.STUNSuccessPct,
	)
	return m, nil
}
