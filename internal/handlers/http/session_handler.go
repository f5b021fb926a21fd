package http

import (
	"errors"
	"net/http"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/ports"
	apperrors "ringmesh/pkg/errors"

	webrtc "github.com/pion/webrtc/v3"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessionService ports.SessionService
	migrations     ports.MigrationTracker
	iceServers     []webrtc.ICEServer
}

func NewSessionHandler(
	sessionService ports.SessionService,
	migrations ports.MigrationTracker,
	iceServers []webrtc.ICEServer,
) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		migrations:     migrations,
		iceServers:     iceServers,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/join", h.JoinSession)
		api.POST("/sessions/:id/leave", h.LeaveSession)
		api.GET("/sessions/:id/hosts", h.GetHosts)
		api.POST("/sessions/:id/host-lost", h.ReportHostLost)

		api.GET("/ice-config", h.GetICEConfig)
		api.GET("/migrations", h.GetMigrations)
	}
}

func sessionView(session *domain.Session) gin.H {
	view := gin.H{
		"id":            session.ID,
		"participants":  session.Participants,
		"generation":    session.Generation,
		"created_at":    session.CreatedAt,
		"last_activity": session.LastActivity,
	}
	if session.Election != nil {
		view["host"] = gin.H{
			"participant_id": session.Election.HostID,
			"address":        session.Election.HostAddress,
			"port":           session.Election.HostPort,
		}
		view["backup"] = gin.H{
			"participant_id": session.Election.BackupID,
			"address":        session.Election.BackupAddress,
			"port":           session.Election.BackupPort,
		}
		view["round_id"] = session.Election.RoundID
	}
	return view
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creator, err := domain.ParseParticipantID(req.ParticipantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant_id"})
		return
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), creator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": sessionView(session),
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessionService.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView(session))
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": views,
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	session, err := h.sessionService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if err == domain.ErrSessionNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": sessionView(session),
	})
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	sessionID, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	participant, err := domain.ParseParticipantID(req.ParticipantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant_id"})
		return
	}

	session, err := h.sessionService.JoinSession(c.Request.Context(), sessionID, participant)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		case errors.Is(err, domain.ErrInvalidParticipantCount):
			c.Error(apperrors.NewCapacityError("session is full").
				WithContext("session_id", sessionID.String()))
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "joined",
		"session": sessionView(session),
	})
}

func (h *SessionHandler) LeaveSession(c *gin.Context) {
	sessionID, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	participant, err := domain.ParseParticipantID(req.ParticipantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant_id"})
		return
	}

	if _, err := h.sessionService.LeaveSession(c.Request.Context(), sessionID, participant); err != nil {
		if err == domain.ErrSessionNotFound || err == domain.ErrParticipantNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "left",
	})
}

// GetHosts returns the session's currently accepted host and backup, if an
// election has completed.
func (h *SessionHandler) GetHosts(c *gin.Context) {
	sessionID, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	session, err := h.sessionService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if err == domain.ErrSessionNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if session.Election == nil {
		c.JSON(http.StatusOK, gin.H{
			"elected": false,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"elected":  true,
		"round_id": session.Election.RoundID,
		"host": gin.H{
			"participant_id": session.Election.HostID,
			"address":        session.Election.HostAddress,
			"port":           session.Election.HostPort,
		},
		"backup": gin.H{
			"participant_id": session.Election.BackupID,
			"address":        session.Election.BackupAddress,
			"port":           session.Election.BackupPort,
		},
	})
}

// ReportHostLost lets any member flag the elected host as unreachable,
// opening a migration window and triggering a re-election.
func (h *SessionHandler) ReportHostLost(c *gin.Context) {
	sessionID, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if err := h.sessionService.HostLost(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		case errors.Is(err, domain.ErrMigrationCapacity):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "migration_started",
	})
}

// GetICEConfig hands clients the STUN/TURN servers to use for their mesh
// connections.
func (h *SessionHandler) GetICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ice_servers": h.iceServers,
	})
}

func (h *SessionHandler) GetMigrations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": h.migrations.Active(),
	})
}
