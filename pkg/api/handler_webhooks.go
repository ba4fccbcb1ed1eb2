package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleWhatsAppVerify answers the Graph API webhook subscription
// handshake: the challenge is echoed back on a valid verify token.
func (s *Server) handleWhatsAppVerify(c *gin.Context) {
	challenge, ok := s.whatsapp.VerifyToken(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// handleWhatsAppEvent ingests signed status callbacks. Requests with a
// missing or invalid signature are rejected before parsing.
func (s *Server) handleWhatsAppEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !s.whatsapp.ValidateSignature(body, c.GetHeader("X-Hub-Signature-256")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if err := s.whatsapp.HandleEventPayload(c.Request.Context(), body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
