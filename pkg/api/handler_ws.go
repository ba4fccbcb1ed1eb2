package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWebsocket upgrades an authenticated client and hands it to the
// realtime hub, which blocks for the connection's lifetime.
func (s *Server) handleWebsocket(c *gin.Context) {
	token, err := tokenFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	contacts, err := s.contacts.List(c.Request.Context(), claims.UserID)
	if err != nil {
		s.log.Error("Failed to load contacts for websocket",
			"user_id", claims.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load contacts"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("Websocket accept failed", "user_id", claims.UserID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.hub.HandleConnection(c.Request.Context(), claims.UserID, conn, contacts)
}
