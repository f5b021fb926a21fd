package signal

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/services"
	"ringmesh/internal/infrastructure/discovery"
	"ringmesh/internal/infrastructure/repositories/memory"
	"ringmesh/internal/infrastructure/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// capturingHandler records the consensus packets the relay hands over.
type capturingHandler struct {
	statsUpdates chan *wire.StatsUpdate
	acks         chan *wire.StatsAck
	memberCasts  chan *domain.Session
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{
		statsUpdates: make(chan *wire.StatsUpdate, 8),
		acks:         make(chan *wire.StatsAck, 8),
		memberCasts:  make(chan *domain.Session, 8),
	}
}

func (h *capturingHandler) OnStatsUpdate(ctx context.Context, pkt *wire.StatsUpdate) error {
	h.statsUpdates <- pkt
	return nil
}

func (h *capturingHandler) OnAck(ctx context.Context, pkt *wire.StatsAck) (bool, error) {
	h.acks <- pkt
	return true, nil
}

func (h *capturingHandler) BroadcastRingMembers(ctx context.Context, session *domain.Session) error {
	h.memberCasts <- session
	return nil
}

type relayFixture struct {
	server    *RelayServer
	handler   *capturingHandler
	testSrv   *httptest.Server
	sessionID domain.SessionID
	creator   domain.ParticipantID
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	repo := memory.NewMemorySessionRepository()
	migrations := discovery.NewMigrationMonitor(log)
	sessionService := services.NewSessionService(repo, migrations, log)

	server := NewRelayServer(sessionService, nil, log)
	handler := newCapturingHandler()
	server.SetPacketHandler(handler)

	creator := domain.NewParticipantID()
	session, err := sessionService.CreateSession(context.Background(), creator)
	require.NoError(t, err)

	testSrv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(testSrv.Close)

	return &relayFixture{
		server:    server,
		handler:   handler,
		testSrv:   testSrv,
		sessionID: session.ID,
		creator:   creator,
	}
}

func (f *relayFixture) dial(t *testing.T, participantID domain.ParticipantID) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + f.testSrv.URL[4:] +
		"/ws?participant_id=" + participantID.String() +
		"&session_id=" + f.sessionID.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, server *RelayServer, participantID domain.ParticipantID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return server.IsConnected(participantID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayServer_ConnectBroadcastsMembership(t *testing.T) {
	f := newRelayFixture(t)

	f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)

	select {
	case session := <-f.handler.memberCasts:
		assert.Equal(t, f.sessionID, session.ID)
		assert.Contains(t, session.Participants, f.creator)
	case <-time.After(2 * time.Second):
		t.Fatal("no membership broadcast after connect")
	}

	assert.Contains(t, f.server.ConnectedParticipants(), f.creator)
}

func TestRelayServer_RejectsMalformedIDs(t *testing.T) {
	f := newRelayFixture(t)

	resp, err := http.Get(f.testSrv.URL + "/ws?participant_id=nope&session_id=" + f.sessionID.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayServer_DispatchesStatsUpdate(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)

	pkt := wire.StatsUpdate{
		SessionID: f.sessionID,
		SenderID:  f.creator,
		RoundID:   7,
		Metrics: []domain.ParticipantMetrics{{
			ParticipantID:  f.creator,
			NATTier:        domain.NATTierFullCone,
			UploadKbps:     12000,
			RTT:            40 * time.Millisecond,
			STUNSuccessPct: 95,
			MeasuredAt:     time.Unix(1700000000, 0).UTC(),
		}},
	}
	payload, err := pkt.MarshalBinary()
	require.NoError(t, err)

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], wire.TypeStatsUpdate)
	copy(frame[2:], payload)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	select {
	case got := <-f.handler.statsUpdates:
		assert.Equal(t, uint32(7), got.RoundID)
		assert.Equal(t, f.creator, got.SenderID)
		require.Len(t, got.Metrics, 1)
		assert.Equal(t, uint32(12000), got.Metrics[0].UploadKbps)
	case <-time.After(2 * time.Second):
		t.Fatal("stats update never reached the handler")
	}
}

func TestRelayServer_RejectsForeignSessionPacket(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)

	pkt := wire.StatsUpdate{
		SessionID: domain.NewSessionID(), // not the session this conn joined
		SenderID:  f.creator,
		RoundID:   1,
	}
	payload, err := pkt.MarshalBinary()
	require.NoError(t, err)

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], wire.TypeStatsUpdate)
	copy(frame[2:], payload)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	// The relay answers with an error instead of forwarding.
	var errorMsg map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&errorMsg))
	assert.Equal(t, "error", errorMsg["type"])

	select {
	case <-f.handler.statsUpdates:
		t.Fatal("foreign-session packet reached the handler")
	default:
	}
}

func TestRelayServer_RejectsServerOriginatedTypes(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)

	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame[0:2], wire.TypeRingElectionResult)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	var errorMsg map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&errorMsg))
	assert.Equal(t, "error", errorMsg["type"])
}

func TestRelayServer_BroadcastExcludesSender(t *testing.T) {
	f := newRelayFixture(t)

	first := f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)

	second := domain.NewParticipantID()
	secondConn := f.dial(t, second)
	waitConnected(t, f.server, second)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	err := f.server.Broadcast(context.Background(), f.sessionID, wire.TypeStatsCollectionStart, payload, second)
	require.NoError(t, err)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := first.ReadMessage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), 2)
	assert.Equal(t, wire.TypeStatsCollectionStart, binary.BigEndian.Uint16(frame[0:2]))
	assert.Equal(t, payload, frame[2:])

	secondConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = secondConn.ReadMessage()
	assert.Error(t, err, "excluded participant should not receive the frame")
}

func TestRelayServer_DisconnectRebroadcastsMembership(t *testing.T) {
	f := newRelayFixture(t)

	f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)
	<-f.handler.memberCasts

	second := domain.NewParticipantID()
	secondConn := f.dial(t, second)
	waitConnected(t, f.server, second)
	<-f.handler.memberCasts

	secondConn.Close()
	require.Eventually(t, func() bool {
		return !f.server.IsConnected(second)
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case session := <-f.handler.memberCasts:
		assert.NotContains(t, session.Participants, second)
		assert.Contains(t, session.Participants, f.creator)
	case <-time.After(2 * time.Second):
		t.Fatal("no membership broadcast after disconnect")
	}
}

func TestRelayServer_DisconnectUnderFrameFloodCleansUp(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t, f.creator)
	waitConnected(t, f.server, f.creator)

	// A burst of junk frames keeps the relay's receive buffer full right
	// up to the disconnect; cleanup must still release the reader and
	// drop the connection.
	junk := make([]byte, 64)
	binary.BigEndian.PutUint16(junk[0:2], 0x9999)
	for i := 0; i < 200; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, junk); err != nil {
			break
		}
	}
	conn.Close()

	require.Eventually(t, func() bool {
		return !f.server.IsConnected(f.creator)
	}, 2*time.Second, 10*time.Millisecond)
}
