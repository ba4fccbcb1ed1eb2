// Package realtime fans engine output out to websocket subscribers.
package realtime

import "github.com/quietwire/pingmark/pkg/models"

// Event envelope types.
const (
	EventContactsInit    = "contacts:init"
	EventTrackerPoint    = "tracker:point"
	EventTrackerSnapshot = "tracker:snapshot"
	EventInsightsUpdate  = "insights:update"
)

// Event is the JSON envelope pushed to clients. Exactly one of the
// payload fields is set, matching Type.
type Event struct {
	Type      string `json:"type"`
	ContactID int64  `json:"contact_id,omitempty"`
	Platform  string `json:"platform,omitempty"`

	Contacts []models.Contact        `json:"contacts,omitempty"`
	Point    *models.TrackerPoint    `json:"point,omitempty"`
	Snapshot *models.SessionSnapshot `json:"snapshot,omitempty"`
	Insights *models.Insights        `json:"insights,omitempty"`
}

// ContactsInitEvent is the first frame of every connection.
func ContactsInitEvent(contacts []models.Contact) Event {
	if contacts == nil {
		contacts = []models.Contact{}
	}
	return Event{Type: EventContactsInit, Contacts: contacts}
}

// PointEvent wraps one emitted tracker point.
func PointEvent(key models.SessionKey, point models.TrackerPoint) Event {
	return Event{
		Type:      EventTrackerPoint,
		ContactID: key.ContactID,
		Platform:  key.Platform,
		Point:     &point,
	}
}

// SnapshotEvent wraps a refreshed session snapshot.
func SnapshotEvent(key models.SessionKey, snapshot models.SessionSnapshot) Event {
	return Event{
		Type:      EventTrackerSnapshot,
		ContactID: key.ContactID,
		Platform:  key.Platform,
		Snapshot:  &snapshot,
	}
}

// InsightsEvent wraps a rate-limited insights summary.
func InsightsEvent(key models.SessionKey, insights models.Insights) Event {
	return Event{
		Type:      EventInsightsUpdate,
		ContactID: key.ContactID,
		Platform:  key.Platform,
		Insights:  &insights,
	}
}
