package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ringmesh/internal/core/consensus"
	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"
	"ringmesh/internal/infrastructure/monitoring"
	"ringmesh/internal/infrastructure/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrchestratorConfig carries the timing knobs for server-driven rounds.
type OrchestratorConfig struct {
	RoundInterval      time.Duration
	CollectionDeadline time.Duration
	MigrationTimeout   time.Duration
	SessionIdleTimeout time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.RoundInterval <= 0 {
		c.RoundInterval = consensus.DefaultRoundInterval
	}
	if c.CollectionDeadline <= 0 {
		c.CollectionDeadline = consensus.DefaultCollectionDeadline
	}
	if c.MigrationTimeout <= 0 {
		c.MigrationTimeout = 30 * time.Second
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = time.Hour
	}
}

// roundState is the server's bookkeeping for one in-flight collection
// round of one session.
type roundState struct {
	roundID     uint32
	deadline    time.Time
	collection  *consensus.MetricsCollection
	expected    int
	result      *domain.ElectionResult
	ackDeadline time.Time
	acked       map[domain.ParticipantID]uint8
}

// Orchestrator drives the stats-collection-and-election cycle for every
// session the discovery service knows. It broadcasts round starts on the
// ring-leader's behalf, folds STATS_UPDATE responses into a per-round
// collection, runs the deterministic election, distributes the result, and
// audits STATS_ACK responses for disagreement. It also feeds the migration
// monitor on host loss.
type Orchestrator struct {
	mu sync.Mutex

	sessions    ports.SessionRepository
	elections   ports.ElectionAcceptor
	broadcaster ports.PacketBroadcaster
	migrations  *MigrationMonitor
	collector   *monitoring.Collector
	cfg         OrchestratorConfig
	logger      *zap.SugaredLogger

	rounds      map[domain.SessionID]*roundState
	nextRound   map[domain.SessionID]uint32
	lastStarted map[domain.SessionID]time.Time

	now func() time.Time
}

func NewOrchestrator(
	sessions ports.SessionRepository,
	elections ports.ElectionAcceptor,
	broadcaster ports.PacketBroadcaster,
	migrations *MigrationMonitor,
	collector *monitoring.Collector,
	cfg OrchestratorConfig,
	logger *zap.SugaredLogger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		sessions:    sessions,
		elections:   elections,
		broadcaster: broadcaster,
		migrations:  migrations,
		collector:   collector,
		cfg:         cfg,
		logger:      logger,
		rounds:      make(map[domain.SessionID]*roundState),
		nextRound:   make(map[domain.SessionID]uint32),
		lastStarted: make(map[domain.SessionID]time.Time),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// ringLeader returns the member sorting last, the coordination-free
// administrative role the topology rules assign.
func ringLeader(participants []domain.ParticipantID) domain.ParticipantID {
	leader := participants[0]
	for _, p := range participants[1:] {
		if leader.Less(p) {
			leader = p
		}
	}
	return leader
}

// StartRound opens a collection round for the session and broadcasts
// STATS_COLLECTION_START to every member.
func (o *Orchestrator) StartRound(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := otel.Tracer("ringmesh/discovery").Start(ctx, "orchestrator.StartRound")
	defer span.End()

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(session.Participants) == 0 {
		return fmt.Errorf("%w: session %s has no participants", domain.ErrInvalidParticipantCount, sessionID)
	}

	o.mu.Lock()
	if _, inFlight := o.rounds[sessionID]; inFlight {
		o.mu.Unlock()
		return fmt.Errorf("%w: round already in flight for %s", domain.ErrInvalidRoundState, sessionID)
	}

	roundID := o.nextRound[sessionID]
	if roundID == 0 {
		roundID = 1
	}
	o.nextRound[sessionID] = roundID + 1

	now := o.now()
	state := &roundState{
		roundID:    roundID,
		deadline:   now.Add(o.cfg.CollectionDeadline),
		collection: consensus.NewMetricsCollection(),
		expected:   len(session.Participants),
		acked:      make(map[domain.ParticipantID]uint8),
	}
	o.rounds[sessionID] = state
	o.lastStarted[sessionID] = now
	o.mu.Unlock()

	span.SetAttributes(
		attribute.String("session_id", sessionID.String()),
		attribute.Int64("round_id", int64(roundID)),
	)

	start := &wire.CollectionStart{
		SessionID:   sessionID,
		InitiatorID: ringLeader(session.Participants),
		RoundID:     roundID,
		Deadline:    state.deadline,
	}
	payload, err := start.MarshalBinary()
	if err != nil {
		return err
	}

	o.logger.Infow("collection round started",
		"session", sessionID,
		"round_id", roundID,
		"participants", state.expected,
		"deadline", state.deadline,
	)
	if o.collector != nil {
		o.collector.RoundStarted()
	}
	return o.broadcaster.Broadcast(ctx, sessionID, wire.TypeStatsCollectionStart, payload)
}

// OnStatsUpdate folds one member's metrics into the session's round. The
// round completes early once every expected member has a record in the
// collection.
func (o *Orchestrator) OnStatsUpdate(ctx context.Context, pkt *wire.StatsUpdate) error {
	o.mu.Lock()
	state, ok := o.rounds[pkt.SessionID]
	if !ok || state.roundID != pkt.RoundID {
		o.mu.Unlock()
		return fmt.Errorf("%w: stats update for unknown round %d of %s",
			domain.ErrInvalidRoundState, pkt.RoundID, pkt.SessionID)
	}

	for i := range pkt.Metrics {
		if state.collection.Has(pkt.Metrics[i].ParticipantID) {
			continue
		}
		state.collection.Add(pkt.Metrics[i])
	}
	complete := state.collection.Len() >= state.expected
	o.mu.Unlock()

	o.logger.Debugw("stats update folded into round",
		"session", pkt.SessionID,
		"round_id", pkt.RoundID,
		"sender", pkt.SenderID,
		"records", len(pkt.Metrics),
	)

	if complete {
		return o.finishRound(ctx, pkt.SessionID)
	}
	return nil
}

// finishRound runs the election over whatever the round collected and
// broadcasts RING_ELECTION_RESULT.
func (o *Orchestrator) finishRound(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := otel.Tracer("ringmesh/discovery").Start(ctx, "orchestrator.finishRound")
	defer span.End()

	o.mu.Lock()
	state, ok := o.rounds[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: no round in flight for %s", domain.ErrInvalidRoundState, sessionID)
	}
	snapshot := state.collection.Snapshot()
	roundID := state.roundID
	o.mu.Unlock()

	if len(snapshot) == 0 {
		// Nobody reported. Drop the round; the next interval retries with
		// a fresh round id.
		o.mu.Lock()
		delete(o.rounds, sessionID)
		o.mu.Unlock()
		o.logger.Warnw("round collected no metrics, abandoning",
			"session", sessionID,
			"round_id", roundID,
		)
		if o.collector != nil {
			o.collector.RoundAbandoned()
		}
		return nil
	}

	host, backup, err := consensus.ChooseHosts(snapshot)
	if err != nil {
		return err
	}

	result := &domain.ElectionResult{
		RoundID:       roundID,
		HostID:        snapshot[host].ParticipantID,
		HostAddress:   snapshot[host].PublicAddress,
		HostPort:      snapshot[host].PublicPort,
		BackupID:      snapshot[backup].ParticipantID,
		BackupAddress: snapshot[backup].PublicAddress,
		BackupPort:    snapshot[backup].PublicPort,
		ElectedAt:     o.now(),
	}

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	leaderID := ringLeader(session.Participants)

	// AcceptElection stores the hosts and frees any migration slot that
	// was waiting on them.
	migrationPending := o.migrations != nil && o.migrations.Pending(sessionID)
	if err := o.elections.AcceptElection(ctx, sessionID, result); err != nil {
		return err
	}
	if migrationPending && o.collector != nil {
		o.collector.MigrationCompleted()
	}

	o.mu.Lock()
	state.result = result
	state.ackDeadline = o.now().Add(o.cfg.CollectionDeadline)
	o.mu.Unlock()

	// Members verify the announcement by replaying the election over the
	// same inputs, so the aggregated set goes out ahead of the result.
	agg := &wire.StatsUpdate{
		SessionID: sessionID,
		SenderID:  leaderID,
		RoundID:   roundID,
		Metrics:   snapshot,
	}
	aggPayload, err := agg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := o.broadcaster.Broadcast(ctx, sessionID, wire.TypeStatsUpdate, aggPayload); err != nil {
		return err
	}

	pkt := &wire.ElectionResult{
		SessionID:       sessionID,
		LeaderID:        leaderID,
		RoundID:         roundID,
		HostID:          result.HostID,
		HostAddress:     result.HostAddress,
		HostPort:        result.HostPort,
		BackupID:        result.BackupID,
		BackupAddress:   result.BackupAddress,
		BackupPort:      result.BackupPort,
		ElectedAt:       result.ElectedAt,
		NumParticipants: uint8(len(session.Participants)),
	}
	payload, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}

	o.logger.Infow("election result broadcast",
		"session", sessionID,
		"round_id", roundID,
		"host", result.HostID,
		"backup", result.BackupID,
		"metrics", len(snapshot),
	)
	if o.collector != nil {
		o.collector.ElectionComputed()
	}

	return o.broadcaster.Broadcast(ctx, sessionID, wire.TypeRingElectionResult, payload)
}

// OnAck records a member's acknowledgement. An acknowledger whose locally
// derived hosts differ from the announced result is flagged: identical
// inputs must yield identical outputs, so disagreement means stale data, a
// race, or a misbehaving peer.
func (o *Orchestrator) OnAck(ctx context.Context, pkt *wire.StatsAck) (agreed bool, err error) {
	o.mu.Lock()
	state, ok := o.rounds[pkt.SessionID]
	if !ok || state.roundID != pkt.RoundID || state.result == nil {
		o.mu.Unlock()
		return false, fmt.Errorf("%w: ack for unknown round %d of %s",
			domain.ErrInvalidRoundState, pkt.RoundID, pkt.SessionID)
	}

	agreed = pkt.AckStatus == wire.AckAgree &&
		pkt.StoredHostID == state.result.HostID &&
		pkt.StoredBackupID == state.result.BackupID
	state.acked[pkt.ParticipantID] = pkt.AckStatus
	remaining := state.expected - len(state.acked)
	o.mu.Unlock()

	if !agreed {
		o.logger.Warnw("participant disagreed with election result",
			"session", pkt.SessionID,
			"round_id", pkt.RoundID,
			"participant", pkt.ParticipantID,
			"their_host", pkt.StoredHostID,
			"their_backup", pkt.StoredBackupID,
		)
		if o.collector != nil {
			o.collector.VerifyDisagreement()
		}
	}

	if remaining <= 0 {
		o.mu.Lock()
		delete(o.rounds, pkt.SessionID)
		o.mu.Unlock()
		o.logger.Infow("round fully acknowledged",
			"session", pkt.SessionID,
			"round_id", pkt.RoundID,
		)
	}
	return agreed, nil
}

// HostLost begins a failover for the session: the election is cleared, a
// migration slot is taken, and a fresh round is started immediately so the
// ring re-elects.
func (o *Orchestrator) HostLost(ctx context.Context, sessionID domain.SessionID) error {
	if err := o.migrations.Begin(sessionID); err != nil {
		return err
	}
	if o.collector != nil {
		o.collector.MigrationStarted()
	}
	if err := o.sessions.ClearElection(ctx, sessionID); err != nil {
		return err
	}

	// Abandon any round computed against the dead host's metrics.
	o.mu.Lock()
	delete(o.rounds, sessionID)
	o.mu.Unlock()

	return o.StartRound(ctx, sessionID)
}

// Tick advances all time-driven work: rounds past their deadline finish
// with whatever they collected, timed-out migrations surface and get their
// sessions' hosts cleared, idle sessions are dropped, and sessions due for
// a periodic refresh get a new round.
func (o *Orchestrator) Tick(ctx context.Context) {
	now := o.now()

	// Deadline-expired rounds, and rounds whose result went out but never
	// got every acknowledgement. The latter are closed rather than held
	// open forever: one dropped member must not wedge the session.
	o.mu.Lock()
	var expired []domain.SessionID
	for sessionID, state := range o.rounds {
		switch {
		case state.result == nil && !now.Before(state.deadline):
			expired = append(expired, sessionID)
		case state.result != nil && !now.Before(state.ackDeadline):
			missing := state.expected - len(state.acked)
			delete(o.rounds, sessionID)
			o.logger.Warnw("round closed with missing acknowledgements",
				"session", sessionID,
				"round_id", state.roundID,
				"missing", missing,
			)
		}
	}
	o.mu.Unlock()
	for _, sessionID := range expired {
		if err := o.finishRound(ctx, sessionID); err != nil {
			o.logger.Warnw("failed to finish round at deadline",
				"session", sessionID,
				"error", err,
			)
		}
	}

	// Timed-out migrations: the failover never produced a host, so the
	// session's election stays cleared and the slot is released.
	for _, migration := range o.migrations.Sweep(o.cfg.MigrationTimeout) {
		if o.collector != nil {
			o.collector.MigrationTimedOut()
		}
		if err := o.sessions.ClearElection(ctx, migration.SessionID); err != nil && err != domain.ErrSessionNotFound {
			o.logger.Warnw("failed to clear host for timed-out migration",
				"session", migration.SessionID,
				"error", err,
			)
		}
	}

	// Idle sessions.
	if removed, err := o.sessions.DeleteIdle(ctx, now.Add(-o.cfg.SessionIdleTimeout)); err == nil && removed > 0 {
		o.logger.Infow("idle sessions removed", "count", removed)
	}

	// Periodic refresh.
	sessions, err := o.sessions.List(ctx)
	if err != nil {
		return
	}
	for _, session := range sessions {
		if len(session.Participants) == 0 {
			continue
		}
		o.mu.Lock()
		_, inFlight := o.rounds[session.ID]
		due := now.Sub(o.lastStarted[session.ID]) >= o.cfg.RoundInterval
		o.mu.Unlock()
		if inFlight || !due {
			continue
		}
		if err := o.StartRound(ctx, session.ID); err != nil {
			o.logger.Warnw("failed to start periodic round",
				"session", session.ID,
				"error", err,
			)
		}
	}
}

// BroadcastRingMembers distributes the membership snapshot so every member
// rebuilds the same topology.
func (o *Orchestrator) BroadcastRingMembers(ctx context.Context, session *domain.Session) error {
	if len(session.Participants) == 0 {
		return nil
	}

	sorted := make([]domain.ParticipantID, len(session.Participants))
	copy(sorted, session.Participants)
	topo, err := consensus.NewRingTopology(sorted, sorted[0])
	if err != nil {
		return err
	}
	ordered := topo.Participants()

	pkt := &wire.RingMembers{
		SessionID:       session.ID,
		ParticipantIDs:  ordered,
		RingLeaderIndex: uint8(len(ordered) - 1),
		Generation:      session.Generation,
	}
	payload, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}
	return o.broadcaster.Broadcast(ctx, session.ID, wire.TypeRingMembers, payload)
}
