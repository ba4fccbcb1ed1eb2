package notify

import "fmt"

// AdminNotifier mails operational events to a configured admin address.
// An empty address disables it entirely.
type AdminNotifier struct {
	email  string
	mailer Mailer
}

// NewAdminNotifier builds an admin notifier. email may be empty.
func NewAdminNotifier(email string, mailer Mailer) *AdminNotifier {
	return &AdminNotifier{email: email, mailer: mailer}
}

// NotifyLogin reports a successful login.
func (n *AdminNotifier) NotifyLogin(userID int64, userEmail string, whenMS int64) {
	if n.email == "" {
		return
	}
	n.mailer.SendAsync(n.email,
		fmt.Sprintf("pingmark login: user_id=%d", userID),
		fmt.Sprintf("Event: login\nuser_id: %d\nuser_email: %s\nwhen_ms: %d\n",
			userID, userEmail, whenMS))
}

// NotifyTrackingStart reports a tracking session start.
func (n *AdminNotifier) NotifyTrackingStart(userID int64, userEmail string, contactID int64, contactLabel, platform string, whenMS int64) {
	if n.email == "" {
		return
	}
	n.mailer.SendAsync(n.email,
		fmt.Sprintf("Tracking started: %s (%s)", contactLabel, platform),
		fmt.Sprintf("Event: tracking_start\nuser_id: %d\nuser_email: %s\ncontact_id: %d\ncontact_label: %s\nplatform: %s\nwhen_ms: %d\n",
			userID, userEmail, contactID, contactLabel, platform, whenMS))
}
