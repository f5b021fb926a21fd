package signal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"
	"ringmesh/internal/infrastructure/monitoring"
	"ringmesh/internal/infrastructure/wire"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
}

// frameHeaderSize is the relay framing: a big-endian packet type prefix,
// then the packet's fixed-layout payload.
const frameHeaderSize = 2

// PacketHandler consumes consensus packets addressed to the relay itself
// rather than to other members.
type PacketHandler interface {
	OnStatsUpdate(ctx context.Context, pkt *wire.StatsUpdate) error
	OnAck(ctx context.Context, pkt *wire.StatsAck) (bool, error)
	BroadcastRingMembers(ctx context.Context, session *domain.Session) error
}

type clientConn struct {
	conn      *websocket.Conn
	sessionID domain.SessionID
	writeMu   sync.Mutex
}

// RelayServer accepts one WebSocket per participant and relays binary
// consensus packets between the members of a session. STATS_UPDATE and
// STATS_ACK frames are handed to the round orchestrator; everything else
// is fanned out to the sender's session. It is the process's
// ports.PacketBroadcaster.
type RelayServer struct {
	sessionService ports.SessionService
	handler        PacketHandler
	collector      *monitoring.Collector

	connections map[domain.ParticipantID]*clientConn
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	limitPerSecond rate.Limit
	limitBurst     int

	logger *zap.SugaredLogger
}

func NewRelayServer(
	sessionService ports.SessionService,
	collector *monitoring.Collector,
	logger *zap.SugaredLogger,
) *RelayServer {
	return &RelayServer{
		sessionService: sessionService,
		collector:      collector,
		connections:    make(map[domain.ParticipantID]*clientConn),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		readTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		limitPerSecond: 50,
		limitBurst:     100,
		logger:         logger,
	}
}

// SetPacketHandler wires the round orchestrator in. The orchestrator needs
// the relay as its broadcaster first, so this cannot happen in the
// constructor.
func (s *RelayServer) SetPacketHandler(h PacketHandler) {
	s.handler = h
}

// SetPingInterval sets the ping interval for relay connections.
func (s *RelayServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetRateLimit overrides the per-connection inbound packet rate.
func (s *RelayServer) SetRateLimit(perSecond rate.Limit, burst int) {
	s.limitPerSecond = perSecond
	s.limitBurst = burst
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	participantID, err := domain.ParseParticipantID(r.URL.Query().Get("participant_id"))
	if err != nil {
		http.Error(w, "invalid participant_id", http.StatusBadRequest)
		return
	}
	sessionID, err := domain.ParseSessionID(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	session, err := s.sessionService.JoinSession(ctx, sessionID, participantID)
	if err != nil {
		s.logger.Warnw("join rejected", "session", sessionID, "participant", participantID, "error", err)
		s.sendError(conn, err.Error())
		return
	}

	client := &clientConn{conn: conn, sessionID: sessionID}

	s.mu.Lock()
	existing, isReconnect := s.connections[participantID]
	if isReconnect && existing != nil {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting participant", "participant", participantID)
	}
	s.connections[participantID] = client
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.ParticipantConnected()
		s.collector.SetSessionSize(sessionID.String(), len(session.Participants))
	}
	s.logger.Infow("participant connected",
		"participant", participantID,
		"session", sessionID,
		"reconnect", isReconnect,
	)

	// Every member needs the new membership snapshot before the next round.
	if s.handler != nil {
		if err := s.handler.BroadcastRingMembers(context.Background(), session); err != nil {
			s.logger.Warnw("failed to broadcast ring members", "session", sessionID, "error", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	frameChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)

	go func() {
		// frameChan closing is the reader's exit signal; the cleanup
		// path drains the channel so a full buffer can never strand
		// this goroutine on the send.
		defer close(frameChan)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			if messageType != websocket.BinaryMessage {
				continue
			}
			frameChan <- data
		}
	}()

	limiter := rate.NewLimiter(s.limitPerSecond, s.limitBurst)

	for {
		select {
		case frame, ok := <-frameChan:
			if !ok {
				// The reader sends its error before closing the
				// channel, so the receive cannot block.
				err := <-errorChan
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Infow("error reading frame", "participant", participantID, "error", err)
				}
				goto cleanup
			}
			if !limiter.Allow() {
				s.logger.Warnw("rate limit exceeded, dropping frame", "participant", participantID)
				continue
			}
			if err := s.handleFrame(context.Background(), participantID, sessionID, frame); err != nil {
				s.logger.Infow("error handling frame",
					"participant", participantID,
					"error", err,
				)
				s.sendError(conn, err.Error())
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant", participantID, "error", err)
				goto cleanup
			}

		}
	}

cleanup:
	// Close the socket to fail the reader's blocked ReadMessage, then
	// drain until its close of frameChan lands. A reader stuck sending
	// into a full buffer is released by the drain.
	conn.Close()
	for range frameChan {
	}

	s.mu.Lock()
	if current, ok := s.connections[participantID]; ok && current == client {
		delete(s.connections, participantID)
	}
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.ParticipantDisconnected()
	}

	session, err = s.sessionService.LeaveSession(context.Background(), sessionID, participantID)
	if err != nil {
		s.logger.Infow("error removing participant from session",
			"participant", participantID,
			"session", sessionID,
			"error", err,
		)
	} else if len(session.Participants) > 0 {
		if s.collector != nil {
			s.collector.SetSessionSize(sessionID.String(), len(session.Participants))
		}
		if s.handler != nil {
			if err := s.handler.BroadcastRingMembers(context.Background(), session); err != nil {
				s.logger.Warnw("failed to broadcast ring members", "session", sessionID, "error", err)
			}
		}
	} else if s.collector != nil {
		s.collector.SessionEnded(sessionID.String())
	}

	s.logger.Infow("participant disconnected", "participant", participantID)
}

func (s *RelayServer) handleFrame(ctx context.Context, from domain.ParticipantID, sessionID domain.SessionID, frame []byte) error {
	if len(frame) < frameHeaderSize {
		return domain.ErrShortPacket
	}
	packetType := binary.BigEndian.Uint16(frame[0:2])
	payload := frame[frameHeaderSize:]

	if s.collector != nil {
		s.collector.PacketRelayed(len(payload))
	}

	switch packetType {
	case wire.TypeStatsUpdate:
		var pkt wire.StatsUpdate
		if err := pkt.UnmarshalBinary(payload); err != nil {
			return fmt.Errorf("bad stats update from %s: %w", from, err)
		}
		if pkt.SessionID != sessionID {
			return fmt.Errorf("stats update for foreign session %s", pkt.SessionID)
		}
		return s.handler.OnStatsUpdate(ctx, &pkt)

	case wire.TypeStatsAck:
		var pkt wire.StatsAck
		if err := pkt.UnmarshalBinary(payload); err != nil {
			return fmt.Errorf("bad stats ack from %s: %w", from, err)
		}
		if pkt.SessionID != sessionID {
			return fmt.Errorf("stats ack for foreign session %s", pkt.SessionID)
		}
		_, err := s.handler.OnAck(ctx, &pkt)
		return err

	case wire.TypeRingMembers, wire.TypeStatsCollectionStart, wire.TypeRingElectionResult:
		// Members never originate these; the orchestrator does.
		return fmt.Errorf("%w: %s from participant", domain.ErrUnknownPacketType, wire.PacketTypeName(packetType))

	default:
		return fmt.Errorf("%w: %d", domain.ErrUnknownPacketType, packetType)
	}
}

// Broadcast frames the payload and writes it to every connected member of
// the session, minus the exclusions. Implements ports.PacketBroadcaster.
func (s *RelayServer) Broadcast(ctx context.Context, sessionID domain.SessionID, packetType uint16, payload []byte, exclude ...domain.ParticipantID) error {
	frame := s.frame(packetType, payload)

	s.mu.RLock()
	targets := make(map[domain.ParticipantID]*clientConn)
	for participantID, client := range s.connections {
		if client.sessionID != sessionID {
			continue
		}
		targets[participantID] = client
	}
	s.mu.RUnlock()

	for _, excluded := range exclude {
		delete(targets, excluded)
	}

	var failed int
	for participantID, client := range targets {
		if err := s.writeFrame(client, frame); err != nil {
			failed++
			s.logger.Infow("failed to deliver packet",
				"participant", participantID,
				"packet", wire.PacketTypeName(packetType),
				"error", err,
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("broadcast of %s completed with %d failures", wire.PacketTypeName(packetType), failed)
	}
	return nil
}

// Send delivers one framed packet to a single member.
func (s *RelayServer) Send(ctx context.Context, sessionID domain.SessionID, to domain.ParticipantID, packetType uint16, payload []byte) error {
	s.mu.RLock()
	client, exists := s.connections[to]
	s.mu.RUnlock()

	if !exists || client.sessionID != sessionID {
		return fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, to)
	}
	return s.writeFrame(client, s.frame(packetType, payload))
}

func (s *RelayServer) frame(packetType uint16, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], packetType)
	copy(frame[frameHeaderSize:], payload)
	return frame
}

func (s *RelayServer) writeFrame(client *clientConn, frame []byte) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return client.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *RelayServer) sendError(conn *websocket.Conn, message string) {
	conn.WriteJSON(map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

func (s *RelayServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *RelayServer) ConnectedParticipants() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants := make([]domain.ParticipantID, 0, len(s.connections))
	for participantID := range s.connections {
		participants = append(participants, participantID)
	}
	return participants
}

func (s *RelayServer) IsConnected(participantID domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[participantID]
	return exists
}
