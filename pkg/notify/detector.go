// Package notify sends back-online notifications and admin event mail.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/quietwire/pingmark/pkg/models"
)

// Context carries the session details a notification needs. Built once
// when tracking starts and reused for every observed point.
type Context struct {
	UserID        int64
	UserEmail     string
	ContactID     int64
	ContactLabel  string
	ContactTarget string
	Platform      string
	NotifyEnabled bool
}

// edgeKey scopes remembered states per session and device.
type edgeKey struct {
	userID    int64
	contactID int64
	platform  string
	deviceID  string
}

// EdgeDetector remembers the last state per (session, device) and fires
// a back-online email on an OFFLINE → ONLINE/STANDBY edge. The memory
// write is unconditional so a disable/enable cycle never replays an
// old edge; at most one notification is produced per edge.
type EdgeDetector struct {
	mu     sync.Mutex
	last   map[edgeKey]models.DeviceState
	mailer Mailer
	logger *slog.Logger
}

// NewEdgeDetector builds a detector that sends through mailer.
func NewEdgeDetector(mailer Mailer, logger *slog.Logger) *EdgeDetector {
	return &EdgeDetector{
		last:   make(map[edgeKey]models.DeviceState),
		mailer: mailer,
		logger: logger.With("component", "notify"),
	}
}

// ObservePrimary records one primary-device point and fires on an edge.
func (d *EdgeDetector) ObservePrimary(ctx Context, point models.TrackerPoint) {
	key := edgeKey{
		userID:    ctx.UserID,
		contactID: ctx.ContactID,
		platform:  ctx.Platform,
		deviceID:  point.DeviceID,
	}

	d.mu.Lock()
	prev := d.last[key]
	d.last[key] = point.State
	d.mu.Unlock()

	if !ctx.NotifyEnabled {
		return
	}
	if prev != models.StateOffline {
		return
	}
	if point.State != models.StateOnline && point.State != models.StateStandby {
		return
	}

	subject := fmt.Sprintf("✅ %s is back online (%s)", ctx.ContactLabel, point.State)
	text := fmt.Sprintf(
		"Contact: %s\n"+
			"Target: %s\n"+
			"Platform: %s\n"+
			"Transition: OFFLINE → %s\n\n"+
			"RTT: %.0f ms\n"+
			"Avg: %.0f ms\n"+
			"Median: %.0f ms\n"+
			"Threshold: %.0f ms\n"+
			"Timeout streak: %d\n"+
			"At(ms): %d\n",
		ctx.ContactLabel, ctx.ContactTarget, ctx.Platform, point.State,
		point.RTTMS, point.AvgMS, point.MedianMS, point.ThresholdMS,
		point.TimeoutStreak, point.TimestampMS)

	d.logger.Info("Back-online notification",
		"user_id", ctx.UserID,
		"contact_id", ctx.ContactID,
		"platform", ctx.Platform,
		"state", point.State)
	d.mailer.SendAsync(ctx.UserEmail, subject, text)
}

// DropSession forgets remembered states for one session.
func (d *EdgeDetector) DropSession(userID, contactID int64, platform string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.last {
		if key.userID == userID && key.contactID == contactID && key.platform == platform {
			delete(d.last, key)
		}
	}
}
