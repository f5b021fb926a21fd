package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Counters
	roundsStartedTotal     prometheus.Counter
	roundsAbandonedTotal   prometheus.Counter
	electionsTotal         prometheus.Counter
	verifyDisagreements    prometheus.Counter
	migrationsStartedTotal prometheus.Counter
	migrationsCompleted    prometheus.Counter
	migrationsTimedOut     prometheus.Counter
	packetsRelayedTotal    prometheus.Counter
	bytesRelayedTotal      prometheus.Counter

	// Gauges
	sessionsActive     prometheus.Gauge
	participantsOnline prometheus.Gauge
	migrationsActive   prometheus.Gauge

	// Histograms
	collectionDuration prometheus.Histogram
	participantRTT     prometheus.Histogram

	sessionSize *prometheus.GaugeVec
}

func NewCollector() *Collector {
	return &Collector{
		roundsStartedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_rounds_started_total",
			Help: "Total number of stats collection rounds started",
		}),

		roundsAbandonedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_rounds_abandoned_total",
			Help: "Total number of rounds that collected no metrics",
		}),

		electionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_elections_total",
			Help: "Total number of host elections computed",
		}),

		verifyDisagreements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_verify_disagreements_total",
			Help: "Total number of participants whose local replay disagreed with an announced result",
		}),

		migrationsStartedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_migrations_started_total",
			Help: "Total number of host migrations begun",
		}),

		migrationsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_migrations_completed_total",
			Help: "Total number of host migrations that finished before their timeout",
		}),

		migrationsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_migrations_timed_out_total",
			Help: "Total number of host migrations swept after their timeout",
		}),

		packetsRelayedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_packets_relayed_total",
			Help: "Total number of consensus packets relayed between participants",
		}),

		bytesRelayedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ringmesh_bytes_relayed_total",
			Help: "Total payload bytes relayed between participants",
		}),

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ringmesh_sessions_active",
			Help: "Number of active sessions",
		}),

		participantsOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ringmesh_participants_online",
			Help: "Number of participants with an open relay connection",
		}),

		migrationsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ringmesh_migrations_active",
			Help: "Number of host migrations currently in flight",
		}),

		collectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringmesh_collection_duration_seconds",
			Help:    "Time from round start to election broadcast",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		participantRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringmesh_participant_rtt_seconds",
			Help:    "Round-trip times reported in stats updates",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		sessionSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ringmesh_session_participants",
			Help: "Number of participants in each session",
		}, []string{"session_id"}),
	}
}

func (c *Collector) RoundStarted()     { c.roundsStartedTotal.Inc() }
func (c *Collector) RoundAbandoned()   { c.roundsAbandonedTotal.Inc() }
func (c *Collector) ElectionComputed() { c.electionsTotal.Inc() }

func (c *Collector) VerifyDisagreement() { c.verifyDisagreements.Inc() }

func (c *Collector) MigrationStarted() {
	c.migrationsStartedTotal.Inc()
	c.migrationsActive.Inc()
}

func (c *Collector) MigrationCompleted() {
	c.migrationsCompleted.Inc()
	c.migrationsActive.Dec()
}

func (c *Collector) MigrationTimedOut() {
	c.migrationsTimedOut.Inc()
	c.migrationsActive.Dec()
}

func (c *Collector) PacketRelayed(payloadBytes int) {
	c.packetsRelayedTotal.Inc()
	c.bytesRelayedTotal.Add(float64(payloadBytes))
}

func (c *Collector) SessionCreated() { c.sessionsActive.Inc() }

func (c *Collector) SessionEnded(sessionID string) {
	c.sessionsActive.Dec()
	c.sessionSize.DeleteLabelValues(sessionID)
}

func (c *Collector) ParticipantConnected()    { c.participantsOnline.Inc() }
func (c *Collector) ParticipantDisconnected() { c.participantsOnline.Dec() }

func (c *Collector) SetSessionSize(sessionID string, n int) {
	c.sessionSize.WithLabelValues(sessionID).Set(float64(n))
}

func (c *Collector) ObserveCollectionDuration(d time.Duration) {
	c.collectionDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveParticipantRTT(rtt time.Duration) {
	c.participantRTT.Observe(rtt.Seconds())
}
