package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/storage"
)

// contactView decorates a contact with its platform's static
// capability set.
type contactView struct {
	models.Contact
	Capabilities models.Capabilities `json:"capabilities"`
}

func (s *Server) handleListContacts(c *gin.Context) {
	contacts, err := s.contacts.List(c.Request.Context(), userID(c))
	if err != nil {
		s.log.Error("Failed to list contacts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list contacts"})
		return
	}

	views := make([]contactView, 0, len(contacts))
	for _, contact := range contacts {
		views = append(views, contactView{
			Contact:      contact,
			Capabilities: models.CapabilitiesFor(contact.Platform),
		})
	}
	c.JSON(http.StatusOK, gin.H{"contacts": views})
}

type createContactRequest struct {
	Platform      string `json:"platform" binding:"required"`
	Target        string `json:"target" binding:"required"`
	DisplayName   string `json:"display_name"`
	DisplayNumber string `json:"display_number"`
}

func (s *Server) handleCreateContact(c *gin.Context) {
	var req createContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform and target are required"})
		return
	}
	if !models.IsKnownPlatform(req.Platform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform: " + req.Platform})
		return
	}

	contact, err := s.contacts.Create(c.Request.Context(), models.Contact{
		UserID:        userID(c),
		Platform:      req.Platform,
		Target:        req.Target,
		DisplayName:   req.DisplayName,
		DisplayNumber: req.DisplayNumber,
	})
	if err != nil {
		s.log.Error("Failed to create contact", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create contact"})
		return
	}
	c.JSON(http.StatusCreated, contactView{
		Contact:      *contact,
		Capabilities: models.CapabilitiesFor(contact.Platform),
	})
}

func (s *Server) handleDeleteContact(c *gin.Context) {
	contactID, ok := pathID(c, "id")
	if !ok {
		return
	}

	// Tracking stops before the row disappears so no runner keeps
	// probing a deleted contact.
	s.tracking.StopForContact(userID(c), contactID)

	if err := s.contacts.Delete(c.Request.Context(), userID(c), contactID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		s.log.Error("Failed to delete contact", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete contact"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type setNotifyRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetNotify(c *gin.Context) {
	contactID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req setNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}

	err := s.contacts.SetNotifyOnline(c.Request.Context(), userID(c), contactID, *req.Enabled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		s.log.Error("Failed to update notify flag", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update contact"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "enabled": *req.Enabled})
}

func (s *Server) handleContactProfile(c *gin.Context) {
	contact, ok := s.ownedContact(c, "id")
	if !ok {
		return
	}

	profile, err := s.tracking.Profile(c.Request.Context(), contact)
	if err != nil {
		s.log.Warn("Profile lookup failed",
			"contact_id", contact.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"profile": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

func (s *Server) handleContactPresence(c *gin.Context) {
	contact, ok := s.ownedContact(c, "id")
	if !ok {
		return
	}

	presence, supported, err := s.tracking.Presence(c.Request.Context(), contact)
	if err != nil || !supported {
		c.JSON(http.StatusOK, gin.H{"presence": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"presence":      presence,
		"checked_at_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleContactPoints(c *gin.Context) {
	contact, ok := s.ownedContact(c, "id")
	if !ok {
		return
	}
	limit := queryLimit(c, 1000, 5000)

	points, err := s.points.RecentPoints(c.Request.Context(), userID(c), contact.ID, limit)
	if err != nil {
		s.log.Error("Failed to query points", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query points"})
		return
	}
	if points == nil {
		points = []models.TrackerPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

func (s *Server) handleContactLatestPoint(c *gin.Context) {
	contact, ok := s.ownedContact(c, "id")
	if !ok {
		return
	}

	point, err := s.points.LatestPoint(c.Request.Context(), userID(c), contact.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"point": nil})
			return
		}
		s.log.Error("Failed to query latest point", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query latest point"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"point": point})
}

// probeView decorates a probe with its receipt lags.
type probeView struct {
	models.Probe
	DeliveryLag int64 `json:"delivery_lag_ms"`
	ReadLag     int64 `json:"read_lag_ms"`
}

func newProbeView(p models.Probe) probeView {
	return probeView{
		Probe:       p,
		DeliveryLag: p.DeliveryLagMS(),
		ReadLag:     p.ReadLagMS(),
	}
}

func (s *Server) handleContactProbes(c *gin.Context) {
	contact, ok := s.ownedContact(c, "id")
	if !ok {
		return
	}
	limit := queryLimit(c, 200, 5000)

	probes, err := s.probes.RecentProbes(c.Request.Context(), userID(c), contact.ID, limit)
	if err != nil {
		s.log.Error("Failed to query probes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query probes"})
		return
	}

	views := make([]probeView, 0, len(probes))
	for _, p := range probes {
		views = append(views, newProbeView(p))
	}
	c.JSON(http.StatusOK, gin.H{"probes": views})
}

func (s *Server) handleContactLatestProbe(c *gin.Context) {
	contact, ok := s.ownedContact(c, "id")
	if !ok {
		return
	}

	probe, err := s.probes.LatestProbe(c.Request.Context(), userID(c), contact.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"probe": nil})
			return
		}
		s.log.Error("Failed to query latest probe", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query latest probe"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"probe": newProbeView(*probe)})
}

// pathID parses an int64 path parameter, answering 400 on garbage.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// ownedContact loads the path contact and enforces ownership,
// answering 404 when the contact is missing or foreign.
func (s *Server) ownedContact(c *gin.Context, param string) (*models.Contact, bool) {
	contactID, ok := pathID(c, param)
	if !ok {
		return nil, false
	}
	contact, err := s.contacts.Get(c.Request.Context(), userID(c), contactID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return nil, false
		}
		s.log.Error("Failed to load contact", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load contact"})
		return nil, false
	}
	return contact, true
}

// queryLimit parses the limit query parameter with a default and a cap.
func queryLimit(c *gin.Context, def, cap int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > cap {
		return cap
	}
	return n
}
