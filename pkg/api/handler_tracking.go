package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/services"
)

type platformRequest struct {
	Platform string `json:"platform"`
}

// requestPlatform reads the optional platform argument from the query
// string or the JSON body (query wins).
func requestPlatform(c *gin.Context) string {
	if p := c.Query("platform"); p != "" {
		return p
	}
	var req platformRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		return req.Platform
	}
	return ""
}

func (s *Server) handleTrackingStart(c *gin.Context) {
	contact, ok := s.ownedContact(c, "contact_id")
	if !ok {
		return
	}
	platform := requestPlatform(c)

	user, err := s.users.FindByID(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}

	started, err := s.tracking.Start(c.Request.Context(), user, contact, platform)
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedPlatform) || errors.Is(err, services.ErrNoPlatforms) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("Failed to start tracking",
			"contact_id", contact.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start tracking"})
		return
	}
	if started == nil {
		started = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "started": started})
}

func (s *Server) handleTrackingStop(c *gin.Context) {
	contact, ok := s.ownedContact(c, "contact_id")
	if !ok {
		return
	}

	stopped, err := s.tracking.Stop(contact, requestPlatform(c))
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedPlatform) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("Failed to stop tracking",
			"contact_id", contact.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop tracking"})
		return
	}
	if stopped == nil {
		stopped = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stopped": stopped})
}

// handleTrackingIndex serves GET /tracking/running from the wildcard
// route; any other value is not a resource.
func (s *Server) handleTrackingIndex(c *gin.Context) {
	if c.Param("contact_id") != "running" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.handleTrackingRunning(c)
}

func (s *Server) handleTrackingRunning(c *gin.Context) {
	running := s.tracking.Running(userID(c))

	contactIDs := make([]int64, 0, len(running))
	byContact := make(map[int64][]string, len(running))
	for cid, platforms := range running {
		contactIDs = append(contactIDs, cid)
		byContact[cid] = platforms
	}
	c.JSON(http.StatusOK, gin.H{
		"contact_ids": contactIDs,
		"running":     byContact,
	})
}

func (s *Server) handleTrackingStatus(c *gin.Context) {
	contact, ok := s.ownedContact(c, "contact_id")
	if !ok {
		return
	}

	platform := c.Query("platform")
	resp := gin.H{"contact_id": contact.ID}
	if platform != "" {
		resp["platform"] = platform
		resp["running"] = s.tracking.IsRunning(models.SessionKey{
			UserID:    contact.UserID,
			ContactID: contact.ID,
			Platform:  platform,
		})
	} else {
		resp["running"] = len(s.tracking.Running(contact.UserID)[contact.ID]) > 0
	}
	c.JSON(http.StatusOK, resp)
}
