package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ringmesh/internal/core/consensus"
	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/netprobe"
	"ringmesh/internal/infrastructure/wire"
	"ringmesh/pkg/config"
	"ringmesh/pkg/logger"
	"ringmesh/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// peerAgent is one mesh member: it keeps a coordinator in sync with relay
// traffic and answers collection rounds with its own measurements.
type peerAgent struct {
	myID        domain.ParticipantID
	sessionID   domain.SessionID
	coordinator *consensus.Coordinator

	conn    *websocket.Conn
	writeMu sync.Mutex

	logger *zap.SugaredLogger
}

func main() {
	var (
		discoveryURL = flag.String("discovery", "http://localhost:8080", "discovery service base URL")
		sessionFlag  = flag.String("session", "", "session id to join (empty creates a new session)")
		configPath   = flag.String("config", "configs/config.yaml", "config file path")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Identity and bearer token from the discovery service.
	myID, token, err := requestToken(*discoveryURL)
	if err != nil {
		log.Fatalw("failed to obtain token", "error", err)
	}
	log.Infow("identity issued", "participant", myID)

	sessionID, err := resolveSession(*discoveryURL, token, myID, *sessionFlag)
	if err != nil {
		log.Fatalw("failed to resolve session", "error", err)
	}
	log.Infow("session resolved", "session", sessionID)

	// Own metrics come from STUN probes against the configured servers.
	prober := netprobe.NewSTUNProber(cfg.STUN.Servers, cfg.STUN.Timeout)
	collector := netprobe.NewCollector(prober, 10*time.Second, log)

	topology, err := consensus.NewRingTopology([]domain.ParticipantID{myID}, myID)
	if err != nil {
		log.Fatalw("failed to build initial topology", "error", err)
	}
	coordinator, err := consensus.NewCoordinator(myID, topology, collector, consensus.CoordinatorConfig{
		RoundInterval:      cfg.Consensus.RoundInterval,
		CollectionDeadline: cfg.Consensus.CollectionDeadline,
	}, log)
	if err != nil {
		log.Fatalw("failed to build coordinator", "error", err)
	}

	conn, err := dialRelay(*discoveryURL, myID, sessionID)
	if err != nil {
		log.Fatalw("failed to connect to relay", "error", err)
	}
	defer conn.Close()

	agent := &peerAgent{
		myID:        myID,
		sessionID:   sessionID,
		coordinator: coordinator,
		conn:        conn,
		logger:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		for {
			messageType, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			if err := agent.handleFrame(ctx, frame); err != nil {
				log.Warnw("error handling frame", "error", err)
			}
		}
	}()

	// The schedule needs a steady pulse: a collection whose deadline
	// passes with members missing still has to complete, or the next
	// round start would find the coordinator mid-round.
	tickInterval := cfg.Consensus.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				started, roundID, _, err := coordinator.Tick(ctx)
				if err != nil {
					log.Warnw("consensus tick failed", "error", err)
					continue
				}
				if started {
					log.Infow("local round started", "round_id", roundID)
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-readErr:
		log.Errorw("relay connection lost", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	log.Info("peer stopped")
}

func (a *peerAgent) handleFrame(ctx context.Context, frame []byte) error {
	if len(frame) < 2 {
		return domain.ErrShortPacket
	}
	packetType := binary.BigEndian.Uint16(frame[0:2])
	payload := frame[2:]

	switch packetType {
	case wire.TypeRingMembers:
		var pkt wire.RingMembers
		if err := pkt.UnmarshalBinary(payload); err != nil {
			return err
		}
		return a.onRingMembers(&pkt)

	case wire.TypeStatsCollectionStart:
		var pkt wire.CollectionStart
		if err := pkt.UnmarshalBinary(payload); err != nil {
			return err
		}
		return a.onCollectionStart(ctx, &pkt)

	case wire.TypeStatsUpdate:
		var pkt wire.StatsUpdate
		if err := pkt.UnmarshalBinary(payload); err != nil {
			return err
		}
		return a.onStatsUpdate(&pkt)

	case wire.TypeRingElectionResult:
		var pkt wire.ElectionResult
		if err := pkt.UnmarshalBinary(payload); err != nil {
			return err
		}
		return a.onElectionResult(&pkt)

	default:
		a.logger.Debugw("ignoring packet", "type", wire.PacketTypeName(packetType))
		return nil
	}
}

func (a *peerAgent) onRingMembers(pkt *wire.RingMembers) error {
	topology, err := consensus.NewRingTopology(pkt.ParticipantIDs, a.myID)
	if err != nil {
		return fmt.Errorf("rebuild topology: %w", err)
	}
	a.coordinator.SetTopology(topology)
	a.logger.Infow("ring membership updated",
		"members", len(pkt.ParticipantIDs),
		"generation", pkt.Generation,
		"position", topology.Position(),
		"leader", topology.IsLeader(),
	)
	return nil
}

func (a *peerAgent) onCollectionStart(ctx context.Context, pkt *wire.CollectionStart) error {
	if err := a.coordinator.OnCollectionStart(ctx, pkt.RoundID, pkt.Deadline); err != nil {
		return err
	}

	update := &wire.StatsUpdate{
		SessionID: a.sessionID,
		SenderID:  a.myID,
		RoundID:   pkt.RoundID,
		Metrics:   a.coordinator.Snapshot(),
	}
	payload, err := update.MarshalBinary()
	if err != nil {
		return err
	}
	a.logger.Infow("reporting metrics", "round_id", pkt.RoundID, "records", len(update.Metrics))
	return a.send(wire.TypeStatsUpdate, payload)
}

// onStatsUpdate folds redistributed metrics into the local round. The
// aggregated set the initiator fans out before announcing a result is what
// local verification replays the election over.
func (a *peerAgent) onStatsUpdate(pkt *wire.StatsUpdate) error {
	if err := a.coordinator.OnStatsUpdate(pkt.SenderID, pkt.Metrics); err != nil {
		a.logger.Debugw("stats update not folded",
			"round_id", pkt.RoundID,
			"sender", pkt.SenderID,
			"error", err,
		)
	}
	return nil
}

func (a *peerAgent) onElectionResult(pkt *wire.ElectionResult) error {
	result := pkt.Domain()

	status := uint8(wire.AckAgree)
	agreed, err := a.coordinator.VerifyAnnounced(result.HostID, result.BackupID)
	if err != nil || !agreed {
		status = wire.AckDisagree
		a.logger.Warnw("announced result failed local verification",
			"round_id", result.RoundID,
			"host", result.HostID,
			"backup", result.BackupID,
			"error", err,
		)
	}

	// The acknowledgement reports the winners this member derived from its
	// own collected set, so the initiator can tell genuine disagreement
	// from an echo of its announcement.
	var storedHost, storedBackup domain.ParticipantID
	if localHost, localBackup, derr := a.coordinator.DeriveLocal(); derr == nil {
		storedHost, storedBackup = localHost, localBackup
	} else {
		status = wire.AckDisagree
		a.logger.Warnw("cannot derive local election for acknowledgement",
			"round_id", result.RoundID,
			"error", derr,
		)
	}

	// The announced result is authoritative either way; verification only
	// reports the disagreement.
	a.coordinator.OnElectionResult(result)

	ack := &wire.StatsAck{
		SessionID:      a.sessionID,
		ParticipantID:  a.myID,
		RoundID:        pkt.RoundID,
		AckStatus:      status,
		StoredHostID:   storedHost,
		StoredBackupID: storedBackup,
	}
	payload, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	return a.send(wire.TypeStatsAck, payload)
}

func (a *peerAgent) send(packetType uint16, payload []byte) error {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], packetType)
	copy(frame[2:], payload)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func requestToken(baseURL string) (domain.ParticipantID, string, error) {
	body, err := postJSON(baseURL+"/api/v1/auth/token", "", map[string]string{})
	if err != nil {
		return domain.ParticipantID{}, "", err
	}

	var resp struct {
		ParticipantID string `json:"participant_id"`
		Token         string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ParticipantID{}, "", err
	}
	id, err := domain.ParseParticipantID(resp.ParticipantID)
	if err != nil {
		return domain.ParticipantID{}, "", err
	}
	return id, resp.Token, nil
}

func resolveSession(baseURL, token string, myID domain.ParticipantID, sessionFlag string) (domain.SessionID, error) {
	if sessionFlag != "" {
		return domain.ParseSessionID(sessionFlag)
	}

	body, err := postJSON(baseURL+"/api/v1/sessions", token, map[string]string{
		"participant_id": myID.String(),
	})
	if err != nil {
		return domain.SessionID{}, err
	}

	var resp struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SessionID{}, err
	}
	return domain.ParseSessionID(resp.Session.ID)
}

func postJSON(endpoint, token string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: unexpected status %d", endpoint, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func dialRelay(baseURL string, myID domain.ParticipantID, sessionID domain.SessionID) (*websocket.Conn, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws"
	query := parsed.Query()
	query.Set("participant_id", myID.String())
	query.Set("session_id", sessionID.String())
	parsed.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, parsed.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", parsed.String(), err)
		}
		return conn, nil
	})
}
