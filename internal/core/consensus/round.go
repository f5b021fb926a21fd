package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ringmesh/internal/core/domain"

	"go.uber.org/zap"
)

// RoundState tracks where one stats-collection round stands.
type RoundState int

const (
	RoundIdle RoundState = iota
	RoundCollecting
	RoundElectionStart
	RoundElectionComplete
)

func (s RoundState) String() string {
	switch s {
	case RoundIdle:
		return "idle"
	case RoundCollecting:
		return "collecting"
	case RoundElectionStart:
		return "election_start"
	case RoundElectionComplete:
		return "election_complete"
	default:
		return "unknown"
	}
}

// Measurer produces the caller's own metrics record for a round.
type Measurer interface {
	Measure(ctx context.Context, id domain.ParticipantID) (domain.ParticipantMetrics, error)
}

// CoordinatorConfig carries the round timing knobs. Both values are
// caller-supplied; the zero value is replaced by the defaults below.
type CoordinatorConfig struct {
	RoundInterval      time.Duration
	CollectionDeadline time.Duration
}

const (
	DefaultRoundInterval      = 5 * time.Minute
	DefaultCollectionDeadline = 30 * time.Second
)

// Coordinator drives the periodic stats-collection-and-election cycle for
// one participant. All consensus computation stays deterministic and pure;
// the coordinator only owns the round state, the metrics collection, and
// the schedule. A single coarse lock serializes access.
type Coordinator struct {
	mu sync.Mutex

	myID     domain.ParticipantID
	topology *RingTopology
	measurer Measurer
	cfg      CoordinatorConfig
	logger   *zap.SugaredLogger

	state      RoundState
	collection *MetricsCollection

	roundID        uint32
	lastRoundStart time.Time
	deadline       time.Time

	// Last accepted result, retained after the round state resets so a
	// failover always has hosts to fall back on.
	stored    *domain.ElectionResult
	hasStored bool

	now func() time.Time
}

func NewCoordinator(myID domain.ParticipantID, topology *RingTopology, measurer Measurer, cfg CoordinatorConfig, logger *zap.SugaredLogger) (*Coordinator, error) {
	if topology == nil || measurer == nil {
		return nil, fmt.Errorf("coordinator: topology and measurer are required")
	}
	if cfg.RoundInterval <= 0 {
		cfg.RoundInterval = DefaultRoundInterval
	}
	if cfg.CollectionDeadline <= 0 {
		cfg.CollectionDeadline = DefaultCollectionDeadline
	}

	c := &Coordinator{
		myID:       myID,
		topology:   topology,
		measurer:   measurer,
		cfg:        cfg,
		logger:     logger,
		state:      RoundIdle,
		collection: NewMetricsCollection(),
		roundID:    1,
		now:        time.Now,
	}
	c.lastRoundStart = c.now()
	return c, nil
}

// SetClock overrides the time source. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.lastRoundStart = now()
}

// State returns the current round state.
func (c *Coordinator) State() RoundState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MetricsCount returns how many records the current round has accumulated.
func (c *Coordinator) MetricsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection.Len()
}

// TimeUntilNextRound reports how long until the leader would initiate the
// next collection round.
func (c *Coordinator) TimeUntilNextRound() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.lastRoundStart.Add(c.cfg.RoundInterval)
	d := next.Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// Tick advances the schedule: as leader it initiates a round once the
// interval has elapsed, and for any role it completes a collection whose
// deadline has passed. Returns the round id and deadline when a new round
// was started, so the orchestrating layer can broadcast the start packet.
func (c *Coordinator) Tick(ctx context.Context) (started bool, roundID uint32, deadline time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if c.state == RoundIdle && c.topology.IsLeader() && now.Sub(c.lastRoundStart) >= c.cfg.RoundInterval {
		if err := c.startCollectionLocked(ctx, c.roundID, now.Add(c.cfg.CollectionDeadline), now); err != nil {
			return false, 0, time.Time{}, err
		}
		c.logger.Infow("collection round started",
			"round_id", c.roundID,
			"deadline", c.deadline,
		)
		return true, c.roundID, c.deadline, nil
	}

	if c.state == RoundCollecting && !now.Before(c.deadline) {
		c.logger.Warnw("collection deadline reached, completing with partial set",
			"round_id", c.roundID,
			"metrics", c.collection.Len(),
		)
		if err := c.completeCollectionLocked(); err != nil {
			return false, 0, time.Time{}, err
		}
	}

	return false, 0, time.Time{}, nil
}

// OnCollectionStart handles a STATS_COLLECTION_START from the ring leader:
// it begins a round with the initiator's round id and deadline and measures
// the caller's own metrics into the collection.
func (c *Coordinator) OnCollectionStart(ctx context.Context, roundID uint32, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RoundIdle {
		if roundID == c.roundID {
			return fmt.Errorf("%w: duplicate collection start for round %d", domain.ErrInvalidRoundState, roundID)
		}
		// A fresh round from the leader supersedes whatever this member
		// was still doing; the stale collection is discarded.
		c.logger.Warnw("new round supersedes unfinished round",
			"stale_round", c.roundID,
			"round_id", roundID,
			"state", c.state.String(),
		)
	}
	return c.startCollectionLocked(ctx, roundID, deadline, c.now())
}

func (c *Coordinator) startCollectionLocked(ctx context.Context, roundID uint32, deadline, now time.Time) error {
	c.collection.Reset()
	c.state = RoundCollecting
	c.roundID = roundID
	c.deadline = deadline
	c.lastRoundStart = now

	own, err := c.measurer.Measure(ctx, c.myID)
	if err != nil {
		c.logger.Warnw("own measurement failed, continuing without it",
			"round_id", roundID,
			"error", err,
		)
		return nil
	}
	c.collection.Add(own)
	return nil
}

// OnStatsUpdate folds a peer's STATS_UPDATE records into the round.
func (c *Coordinator) OnStatsUpdate(senderID domain.ParticipantID, metrics []domain.ParticipantMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RoundCollecting {
		return fmt.Errorf("%w: stats update in state %s", domain.ErrInvalidRoundState, c.state)
	}

	added := 0
	for i := range metrics {
		if c.collection.Has(metrics[i].ParticipantID) {
			continue
		}
		c.collection.Add(metrics[i])
		added++
	}

	c.logger.Debugw("stats update received",
		"sender", senderID,
		"records", len(metrics),
		"added", added,
		"total", c.collection.Len(),
	)

	// Every ring member reporting means the round can complete before the
	// deadline.
	if c.collection.Len() >= c.topology.Size() {
		return c.completeCollectionLocked()
	}
	return nil
}

func (c *Coordinator) completeCollectionLocked() error {
	if c.state != RoundCollecting {
		return fmt.Errorf("%w: complete collection in state %s", domain.ErrInvalidRoundState, c.state)
	}
	if c.topology.IsLeader() {
		c.state = RoundElectionStart
	} else {
		c.state = RoundIdle
	}
	return nil
}

// Snapshot copies the records the current round has accumulated, in
// insertion order.
func (c *Coordinator) Snapshot() []domain.ParticipantMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection.Snapshot()
}

// ComputeElection runs the deterministic election over the collected set.
// Leader only: non-leaders never reach the election state.
func (c *Coordinator) ComputeElection() (*domain.ElectionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RoundElectionStart {
		return nil, fmt.Errorf("%w: compute election in state %s", domain.ErrInvalidRoundState, c.state)
	}

	snapshot := c.collection.Snapshot()
	host, backup, err := ChooseHosts(snapshot)
	if err != nil {
		return nil, err
	}

	result := &domain.ElectionResult{
		RoundID:       c.roundID,
		HostID:        snapshot[host].ParticipantID,
		HostAddress:   snapshot[host].PublicAddress,
		HostPort:      snapshot[host].PublicPort,
		BackupID:      snapshot[backup].ParticipantID,
		BackupAddress: snapshot[backup].PublicAddress,
		BackupPort:    snapshot[backup].PublicPort,
		ElectedAt:     c.now(),
	}

	c.state = RoundElectionComplete
	c.stored = result
	c.hasStored = true
	c.roundID++

	c.logger.Infow("election computed",
		"round_id", result.RoundID,
		"host", result.HostID,
		"backup", result.BackupID,
		"metrics", len(snapshot),
	)
	return result, nil
}

// VerifyAnnounced re-derives the election from the caller's own snapshot
// and checks the announced winners against it. Disagreement is a normal
// outcome surfaced as false.
func (c *Coordinator) VerifyAnnounced(hostID, backupID domain.ParticipantID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collection.Len() == 0 {
		return false, fmt.Errorf("%w: no metrics collected", domain.ErrInvalidRoundState)
	}
	return Verify(c.collection.Snapshot(), hostID, backupID)
}

// DeriveLocal runs the election over the caller's own collected set and
// returns the winners it would pick. Acknowledgements carry these ids so
// the initiator can see what each member derived, not an echo of the
// announcement.
func (c *Coordinator) DeriveLocal() (host, backup domain.ParticipantID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.collection.Snapshot()
	h, b, err := ChooseHosts(snapshot)
	if err != nil {
		return domain.ParticipantID{}, domain.ParticipantID{}, err
	}
	return snapshot[h].ParticipantID, snapshot[b].ParticipantID, nil
}

// OnElectionResult accepts an announced RING_ELECTION_RESULT, stores it,
// and returns the round to idle.
func (c *Coordinator) OnElectionResult(result *domain.ElectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stored = result
	c.hasStored = true

	// The announced result ends the round no matter how far this member
	// got: a node still collecting when the result lands must be ready
	// for the next round.
	if c.state != RoundIdle {
		c.state = RoundIdle
	}

	c.logger.Infow("election result accepted",
		"round_id", result.RoundID,
		"host", result.HostID,
		"backup", result.BackupID,
	)
}

// CurrentHosts returns the last accepted host/backup pair.
func (c *Coordinator) CurrentHosts() (*domain.ElectionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasStored {
		return nil, domain.ErrNoElectionResult
	}
	return c.stored, nil
}

// SetTopology swaps in a new membership snapshot. A change mid-round
// abandons the round: the metrics collected so far no longer describe the
// ring that will verify the result.
func (c *Coordinator) SetTopology(topology *RingTopology) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.topology = topology
	if c.state != RoundIdle {
		c.logger.Warnw("topology changed mid-round, abandoning round",
			"round_id", c.roundID,
			"state", c.state.String(),
		)
		c.collection.Reset()
		c.state = RoundIdle
	}
}
