package controllers

import (
	"net/http"

	"payment-webhook-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionController serves the storefront's post-checkout return flow. When
// the customer lands back before the webhook has been processed, the client
// polls this endpoint to render an interim state from the provider's own view
// of the session.
type SessionController struct {
	Reader services.SessionReader
	Logger *zap.Logger
}

func NewSessionController(reader services.SessionReader, logger *zap.Logger) *SessionController {
	return &SessionController{Reader: reader, Logger: logger}
}

// GetSessionStatus is a pure read against the provider; failures propagate as
// a generic upstream error.
func (sc *SessionController) GetSessionStatus(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
		return
	}

	sess, err := sc.Reader.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		sc.Logger.Warn("Session fetch failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  sess.Status, // open | complete | expired
		"session": sess,
	})
}
