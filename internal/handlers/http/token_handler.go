package http

import (
	"net/http"

	"ringmesh/internal/core/domain"
	"ringmesh/internal/core/services"

	"github.com/gin-gonic/gin"
)

type TokenHandler struct {
	tokenService services.TokenService
}

func NewTokenHandler(tokenService services.TokenService) *TokenHandler {
	return &TokenHandler{
		tokenService: tokenService,
	}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/auth/token", h.IssueToken)
}

// IssueToken mints a bearer token for a participant. A client without an
// identity yet omits participant_id and receives a freshly generated one.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var participantID domain.ParticipantID
	if req.ParticipantID == "" {
		participantID = domain.NewParticipantID()
	} else {
		var err error
		participantID, err = domain.ParseParticipantID(req.ParticipantID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant_id"})
			return
		}
	}

	token, err := h.tokenService.GenerateToken(participantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participant_id": participantID,
		"token":          token,
	})
}
