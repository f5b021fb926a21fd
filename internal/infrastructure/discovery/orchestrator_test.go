package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"
	"ringmesh/internal/core/services"
	"ringmesh/internal/infrastructure/repositories/memory"
	"ringmesh/internal/infrastructure/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturedPacket struct {
	sessionID  domain.SessionID
	packetType uint16
	payload    []byte
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	packets []capturedPacket
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, sessionID domain.SessionID, packetType uint16, payload []byte, exclude ...domain.ParticipantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, capturedPacket{sessionID, packetType, payload})
	return nil
}

func (f *fakeBroadcaster) Send(ctx context.Context, sessionID domain.SessionID, to domain.ParticipantID, packetType uint16, payload []byte) error {
	return f.Broadcast(ctx, sessionID, packetType, payload)
}

func (f *fakeBroadcaster) last() capturedPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets[len(f.packets)-1]
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

func (f *fakeBroadcaster) all() []capturedPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capturedPacket, len(f.packets))
	copy(out, f.packets)
	return out
}

func orchestratorFixture(t *testing.T, participants int) (*Orchestrator, *fakeBroadcaster, ports.SessionRepository, *domain.Session, *time.Time) {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	repo := memory.NewMemorySessionRepository()
	broadcaster := &fakeBroadcaster{}
	migrations := NewMigrationMonitor(logger)

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	migrations.SetClock(clock)

	sessionService := services.NewSessionService(repo, migrations, logger)
	o := NewOrchestrator(repo, sessionService, broadcaster, migrations, nil, OrchestratorConfig{
		RoundInterval:      time.Minute,
		CollectionDeadline: 10 * time.Second,
		MigrationTimeout:   30 * time.Second,
		SessionIdleTimeout: time.Hour,
	}, logger)
	o.SetClock(clock)

	ids := make([]domain.ParticipantID, participants)
	for i := range ids {
		ids[i] = domain.NewParticipantID()
	}
	session := &domain.Session{
		ID:           domain.NewSessionID(),
		Participants: ids,
		Generation:   1,
		CreatedAt:    now,
		LastActivity: now,
	}
	require.NoError(t, repo.Create(context.Background(), session))

	return o, broadcaster, repo, session, &now
}

func roundMetrics(id domain.ParticipantID, uploadKbps uint32, rttMs int) domain.ParticipantMetrics {
	return domain.ParticipantMetrics{
		ParticipantID:     id,
		NATTier:           domain.NATTierOpen,
		UploadKbps:        uploadKbps,
		RTT:               time.Duration(rttMs) * time.Millisecond,
		STUNSuccessPct:    95,
		PublicAddress:     "203.0.113.9",
		PublicPort:        40000,
		ConnectionType:    domain.ConnectionDirect,
		MeasuredAt:        time.Unix(1700000000, 0).UTC(),
		MeasurementWindow: 30 * time.Second,
	}
}

func TestStartRoundBroadcastsCollectionStart(t *testing.T) {
	o, broadcaster, _, session, _ := orchestratorFixture(t, 3)

	require.NoError(t, o.StartRound(context.Background(), session.ID))

	pkt := broadcaster.last()
	assert.Equal(t, uint16(wire.TypeStatsCollectionStart), pkt.packetType)

	var start wire.CollectionStart
	require.NoError(t, start.UnmarshalBinary(pkt.payload))
	assert.Equal(t, session.ID, start.SessionID)
	assert.Equal(t, uint32(1), start.RoundID)

	// A second round cannot start while the first is in flight.
	err := o.StartRound(context.Background(), session.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidRoundState)
}

func TestRoundCompletesEarlyAndElectsBestHost(t *testing.T) {
	o, broadcaster, repo, session, _ := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))

	weak := roundMetrics(session.Participants[0], 10000, 80)
	strong := roundMetrics(session.Participants[1], 90000, 15)

	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics:   []domain.ParticipantMetrics{weak, strong},
	}))

	pkt := broadcaster.last()
	require.Equal(t, uint16(wire.TypeRingElectionResult), pkt.packetType)

	var result wire.ElectionResult
	require.NoError(t, result.UnmarshalBinary(pkt.payload))
	assert.Equal(t, strong.ParticipantID, result.HostID)
	assert.Equal(t, weak.ParticipantID, result.BackupID)
	assert.Equal(t, uint32(1), result.RoundID)

	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Election)
	assert.Equal(t, strong.ParticipantID, stored.Election.HostID)
}

func TestRoundRedistributesAggregatedMetrics(t *testing.T) {
	o, broadcaster, _, session, _ := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics: []domain.ParticipantMetrics{
			roundMetrics(session.Participants[0], 10000, 80),
			roundMetrics(session.Participants[1], 90000, 15),
		},
	}))

	// Members replay the election over the full collected set, so it has
	// to reach them before the announcement does.
	packets := broadcaster.all()
	require.GreaterOrEqual(t, len(packets), 3)
	aggregated := packets[len(packets)-2]
	announcement := packets[len(packets)-1]

	require.Equal(t, uint16(wire.TypeStatsUpdate), aggregated.packetType)
	require.Equal(t, uint16(wire.TypeRingElectionResult), announcement.packetType)

	var update wire.StatsUpdate
	require.NoError(t, update.UnmarshalBinary(aggregated.payload))
	assert.Equal(t, session.ID, update.SessionID)
	assert.Equal(t, uint32(1), update.RoundID)
	assert.Equal(t, ringLeader(session.Participants), update.SenderID)
	assert.Len(t, update.Metrics, 2, "every collected record fans back out")
}

func TestTickClosesRoundWithMissingAcks(t *testing.T) {
	o, _, _, session, now := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics: []domain.ParticipantMetrics{
			roundMetrics(session.Participants[0], 10000, 80),
			roundMetrics(session.Participants[1], 90000, 15),
		},
	}))

	stored, err := o.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Election)

	// Only one of two members acknowledges; the other dropped off.
	_, err = o.OnAck(ctx, &wire.StatsAck{
		SessionID:      session.ID,
		ParticipantID:  session.Participants[0],
		RoundID:        1,
		AckStatus:      wire.AckAgree,
		StoredHostID:   stored.Election.HostID,
		StoredBackupID: stored.Election.BackupID,
	})
	require.NoError(t, err)

	err = o.StartRound(ctx, session.ID)
	require.ErrorIs(t, err, domain.ErrInvalidRoundState, "round still open awaiting acks")

	// Past the ack window the round is closed regardless, so the session
	// cannot be wedged by a single silent member.
	*now = now.Add(11 * time.Second)
	o.Tick(ctx)

	require.NoError(t, o.StartRound(ctx, session.ID))
}

func TestDuplicateStatsRecordsAreIgnored(t *testing.T) {
	o, broadcaster, _, session, _ := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))
	before := broadcaster.count()

	m := roundMetrics(session.Participants[0], 10000, 80)
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics:   []domain.ParticipantMetrics{m, m},
	}))

	// One of two participants reported, duplicates must not complete the
	// round.
	assert.Equal(t, before, broadcaster.count())
}

func TestStatsUpdateForStaleRoundRejected(t *testing.T) {
	o, _, _, session, _ := orchestratorFixture(t, 2)

	err := o.OnStatsUpdate(context.Background(), &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   9,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRoundState)
}

func TestAckDisagreementFlagged(t *testing.T) {
	o, _, _, session, _ := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics: []domain.ParticipantMetrics{
			roundMetrics(session.Participants[0], 10000, 80),
			roundMetrics(session.Participants[1], 90000, 15),
		},
	}))

	stored, err := o.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Election)

	agreed, err := o.OnAck(ctx, &wire.StatsAck{
		SessionID:      session.ID,
		ParticipantID:  session.Participants[0],
		RoundID:        1,
		AckStatus:      wire.AckAgree,
		StoredHostID:   stored.Election.HostID,
		StoredBackupID: stored.Election.BackupID,
	})
	require.NoError(t, err)
	assert.True(t, agreed)

	// Swapped hosts means the acknowledger replayed to a different result.
	agreed, err = o.OnAck(ctx, &wire.StatsAck{
		SessionID:      session.ID,
		ParticipantID:  session.Participants[1],
		RoundID:        1,
		AckStatus:      wire.AckAgree,
		StoredHostID:   stored.Election.BackupID,
		StoredBackupID: stored.Election.HostID,
	})
	require.NoError(t, err)
	assert.False(t, agreed)

	// All acks in: the round is closed.
	_, err = o.OnAck(ctx, &wire.StatsAck{
		SessionID:     session.ID,
		ParticipantID: session.Participants[0],
		RoundID:       1,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRoundState)
}

func TestTickFinishesRoundAtDeadline(t *testing.T) {
	o, broadcaster, _, session, now := orchestratorFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))

	// Only one of three reports before the deadline.
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics:   []domain.ParticipantMetrics{roundMetrics(session.Participants[0], 20000, 40)},
	}))

	*now = now.Add(11 * time.Second)
	o.Tick(ctx)

	pkt := broadcaster.last()
	require.Equal(t, uint16(wire.TypeRingElectionResult), pkt.packetType)

	var result wire.ElectionResult
	require.NoError(t, result.UnmarshalBinary(pkt.payload))
	// With a single report the lone participant is host and backup.
	assert.Equal(t, session.Participants[0], result.HostID)
	assert.Equal(t, session.Participants[0], result.BackupID)
}

func TestTickStartsPeriodicRounds(t *testing.T) {
	o, broadcaster, _, _, now := orchestratorFixture(t, 2)
	ctx := context.Background()

	o.Tick(ctx)
	assert.Equal(t, 1, broadcaster.count(), "first tick starts the first round")

	// Round still in flight: no new round.
	o.Tick(ctx)
	assert.Equal(t, 1, broadcaster.count())

	// Deadline passes with no reports: round abandoned, and once the
	// interval elapses a new round starts with a fresh id.
	*now = now.Add(11 * time.Second)
	o.Tick(ctx)
	*now = now.Add(time.Minute)
	o.Tick(ctx)

	pkt := broadcaster.last()
	require.Equal(t, uint16(wire.TypeStatsCollectionStart), pkt.packetType)
	var start wire.CollectionStart
	require.NoError(t, start.UnmarshalBinary(pkt.payload))
	assert.Equal(t, uint32(2), start.RoundID)
}

func TestHostLostTriggersReElection(t *testing.T) {
	o, broadcaster, repo, session, _ := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.StartRound(ctx, session.ID))
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   1,
		Metrics: []domain.ParticipantMetrics{
			roundMetrics(session.Participants[0], 10000, 80),
			roundMetrics(session.Participants[1], 90000, 15),
		},
	}))

	require.NoError(t, o.HostLost(ctx, session.ID))
	assert.Equal(t, 1, o.migrations.Active())

	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Election, "host loss clears the stored result")

	pkt := broadcaster.last()
	require.Equal(t, uint16(wire.TypeStatsCollectionStart), pkt.packetType)
	var start wire.CollectionStart
	require.NoError(t, start.UnmarshalBinary(pkt.payload))
	require.Equal(t, uint32(2), start.RoundID)

	// The re-election completes the migration.
	require.NoError(t, o.OnStatsUpdate(ctx, &wire.StatsUpdate{
		SessionID: session.ID,
		SenderID:  session.Participants[0],
		RoundID:   2,
		Metrics: []domain.ParticipantMetrics{
			roundMetrics(session.Participants[0], 10000, 80),
			roundMetrics(session.Participants[1], 90000, 15),
		},
	}))
	assert.Equal(t, 0, o.migrations.Active())
}

func TestTickSweepsTimedOutMigrations(t *testing.T) {
	o, _, repo, session, now := orchestratorFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, o.HostLost(ctx, session.ID))
	require.Equal(t, 1, o.migrations.Active())

	*now = now.Add(31 * time.Second)
	o.Tick(ctx)

	assert.Equal(t, 0, o.migrations.Active())
	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Election)
}

func TestBroadcastRingMembersOrdersBySortedID(t *testing.T) {
	o, broadcaster, _, session, _ := orchestratorFixture(t, 4)

	require.NoError(t, o.BroadcastRingMembers(context.Background(), session))

	pkt := broadcaster.last()
	require.Equal(t, uint16(wire.TypeRingMembers), pkt.packetType)

	var members wire.RingMembers
	require.NoError(t, members.UnmarshalBinary(pkt.payload))
	require.Len(t, members.ParticipantIDs, 4)
	for i := 1; i < len(members.ParticipantIDs); i++ {
		assert.True(t, members.ParticipantIDs[i-1].Less(members.ParticipantIDs[i]))
	}
	assert.Equal(t, uint8(3), members.RingLeaderIndex)
	assert.Equal(t, session.Generation, members.Generation)
}
