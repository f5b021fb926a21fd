package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/services"
	"ringmesh/internal/infrastructure/discovery"
	"ringmesh/internal/infrastructure/middleware"
	"ringmesh/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type handlerFixture struct {
	router         *gin.Engine
	sessionService interface {
		CreateSession(ctx context.Context, creator domain.ParticipantID) (*domain.Session, error)
		AcceptElection(ctx context.Context, id domain.SessionID, result *domain.ElectionResult) error
	}
	migrations *discovery.MigrationMonitor
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t).Sugar()
	repo := memory.NewMemorySessionRepository()
	migrations := discovery.NewMigrationMonitor(log)
	sessionService := services.NewSessionService(repo, migrations, log)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log))
	NewSessionHandler(sessionService, migrations, nil).SetupRoutes(router)

	return &handlerFixture{
		router:         router,
		sessionService: sessionService,
		migrations:     migrations,
	}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestSessionHandler_CreateAndGet(t *testing.T) {
	f := newHandlerFixture(t)
	creator := domain.NewParticipantID()

	recorder := f.do(t, stdhttp.MethodPost, "/api/v1/sessions", gin.H{
		"participant_id": creator.String(),
	})
	require.Equal(t, stdhttp.StatusCreated, recorder.Code)

	body := decodeBody(t, recorder)
	session := body["session"].(map[string]interface{})
	assert.EqualValues(t, 1, session["generation"])

	sessionID := sessionIDFromView(t, session)
	recorder = f.do(t, stdhttp.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	assert.Equal(t, stdhttp.StatusOK, recorder.Code)
}

func TestSessionHandler_CreateRejectsBadParticipant(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.do(t, stdhttp.MethodPost, "/api/v1/sessions", gin.H{
		"participant_id": "not-a-uuid",
	})
	assert.Equal(t, stdhttp.StatusBadRequest, recorder.Code)
}

func TestSessionHandler_GetUnknownSession(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.do(t, stdhttp.MethodGet, "/api/v1/sessions/"+domain.NewSessionID().String(), nil)
	assert.Equal(t, stdhttp.StatusNotFound, recorder.Code)
}

func TestSessionHandler_JoinAndLeave(t *testing.T) {
	f := newHandlerFixture(t)
	creator := domain.NewParticipantID()
	session, err := f.sessionService.CreateSession(context.Background(), creator)
	require.NoError(t, err)

	joiner := domain.NewParticipantID()
	recorder := f.do(t, stdhttp.MethodPost, "/api/v1/sessions/"+session.ID.String()+"/join", gin.H{
		"participant_id": joiner.String(),
	})
	require.Equal(t, stdhttp.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	view := body["session"].(map[string]interface{})
	assert.EqualValues(t, 2, view["generation"])
	assert.Len(t, view["participants"], 2)

	recorder = f.do(t, stdhttp.MethodPost, "/api/v1/sessions/"+session.ID.String()+"/leave", gin.H{
		"participant_id": joiner.String(),
	})
	assert.Equal(t, stdhttp.StatusOK, recorder.Code)
}

func TestSessionHandler_JoinFullSession(t *testing.T) {
	f := newHandlerFixture(t)
	creator := domain.NewParticipantID()
	session, err := f.sessionService.CreateSession(context.Background(), creator)
	require.NoError(t, err)

	for i := 1; i < domain.MaxSessionParticipants; i++ {
		recorder := f.do(t, stdhttp.MethodPost, "/api/v1/sessions/"+session.ID.String()+"/join", gin.H{
			"participant_id": domain.NewParticipantID().String(),
		})
		require.Equal(t, stdhttp.StatusOK, recorder.Code)
	}

	recorder := f.do(t, stdhttp.MethodPost, "/api/v1/sessions/"+session.ID.String()+"/join", gin.H{
		"participant_id": domain.NewParticipantID().String(),
	})
	assert.Equal(t, stdhttp.StatusTooManyRequests, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, "CAPACITY_EXCEEDED", body["error"])
}

func TestSessionHandler_GetHosts(t *testing.T) {
	f := newHandlerFixture(t)
	creator := domain.NewParticipantID()
	session, err := f.sessionService.CreateSession(context.Background(), creator)
	require.NoError(t, err)

	recorder := f.do(t, stdhttp.MethodGet, "/api/v1/sessions/"+session.ID.String()+"/hosts", nil)
	require.Equal(t, stdhttp.StatusOK, recorder.Code)
	assert.Equal(t, false, decodeBody(t, recorder)["elected"])

	result := &domain.ElectionResult{
		RoundID:  3,
		HostID:   creator,
		BackupID: creator,
		HostPort: 9000,
	}
	require.NoError(t, f.sessionService.AcceptElection(context.Background(), session.ID, result))

	recorder = f.do(t, stdhttp.MethodGet, "/api/v1/sessions/"+session.ID.String()+"/hosts", nil)
	require.Equal(t, stdhttp.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, true, body["elected"])
	assert.EqualValues(t, 3, body["round_id"])
}

func TestSessionHandler_ReportHostLost(t *testing.T) {
	f := newHandlerFixture(t)
	creator := domain.NewParticipantID()
	session, err := f.sessionService.CreateSession(context.Background(), creator)
	require.NoError(t, err)

	result := &domain.ElectionResult{RoundID: 1, HostID: creator, BackupID: creator}
	require.NoError(t, f.sessionService.AcceptElection(context.Background(), session.ID, result))

	recorder := f.do(t, stdhttp.MethodPost, "/api/v1/sessions/"+session.ID.String()+"/host-lost", nil)
	assert.Equal(t, stdhttp.StatusAccepted, recorder.Code)
	assert.Equal(t, 1, f.migrations.Active())

	recorder = f.do(t, stdhttp.MethodGet, "/api/v1/migrations", nil)
	require.Equal(t, stdhttp.StatusOK, recorder.Code)
	assert.EqualValues(t, 1, decodeBody(t, recorder)["active"])
}

func sessionIDFromView(t *testing.T, view map[string]interface{}) string {
	t.Helper()
	id, ok := view["id"].(string)
	require.True(t, ok, "session id should encode as a string")
	return id
}
