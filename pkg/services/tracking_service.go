package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/engine"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/notify"
)

// TrackingDeps wires a TrackingService.
type TrackingDeps struct {
	Tracking   *config.TrackingConfig
	Registry   *adapters.Registry
	Supervisor *engine.Supervisor
	Correlator *engine.Correlator
	Insights   *engine.InsightsAggregator
	Points     engine.PointSink
	Probes     engine.ProbeRecorder
	Broadcast  engine.Broadcaster
	Detector   *notify.EdgeDetector
	Admin      *notify.AdminNotifier
	Logger     *slog.Logger
}

// TrackingService starts and stops probe sessions: it creates the
// platform adapter, assembles the session runner, and hands it to the
// supervisor.
type TrackingService struct {
	deps TrackingDeps
	log  *slog.Logger
}

// NewTrackingService creates the tracking orchestrator.
// Panics on nil required dependencies (programming error).
func NewTrackingService(deps TrackingDeps) *TrackingService {
	if deps.Tracking == nil || deps.Registry == nil || deps.Supervisor == nil {
		panic("tracking, registry, and supervisor are required")
	}
	if deps.Correlator == nil || deps.Insights == nil {
		panic("correlator and insights are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &TrackingService{
		deps: deps,
		log:  deps.Logger.With("component", "tracking"),
	}
}

// Start launches sessions for the contact. platform may be empty (the
// contact's own platform), a single platform name, or "all" for every
// registered platform. Returns the platforms actually started.
func (s *TrackingService) Start(ctx context.Context, user *models.User, contact *models.Contact, platform string) ([]string, error) {
	platforms, explicit, err := s.resolvePlatforms(contact, platform)
	if err != nil {
		return nil, err
	}

	var started []string
	for _, p := range platforms {
		if err := s.startOne(user, contact, p); err != nil {
			if explicit {
				return nil, err
			}
			s.log.Warn("Skipping platform",
				"platform", p, "contact_id", contact.ID, "error", err)
			continue
		}
		started = append(started, p)
	}
	return started, nil
}

func (s *TrackingService) startOne(user *models.User, contact *models.Contact, platform string) error {
	adapter, err := s.deps.Registry.Create(platform, contact)
	if err != nil {
		return fmt.Errorf("failed to create %s adapter: %w", platform, err)
	}

	key := contact.SessionKey(platform)

	// The notification context is frozen at start; toggling the
	// contact's notify flag takes effect on the next start.
	nctx := notify.Context{
		UserID:        user.ID,
		UserEmail:     user.Email,
		ContactID:     contact.ID,
		ContactLabel:  contact.Label(),
		ContactTarget: contact.Target,
		Platform:      platform,
		NotifyEnabled: contact.NotifyOnline,
	}

	var onPoint func(models.TrackerPoint)
	if s.deps.Detector != nil {
		onPoint = func(point models.TrackerPoint) {
			s.deps.Detector.ObservePrimary(nctx, point)
		}
	}

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Key:        key,
		Adapter:    adapter,
		Correlator: s.deps.Correlator,
		Insights:   s.deps.Insights,
		Points:     s.deps.Points,
		Probes:     s.deps.Probes,
		Broadcast:  s.deps.Broadcast,
		Tracking:   s.deps.Tracking,
		Notify:     onPoint,
		Logger:     s.deps.Logger,
	})
	if err != nil {
		_ = adapter.Close()
		return fmt.Errorf("failed to build runner: %w", err)
	}

	s.deps.Supervisor.Start(key, runner.Run)
	s.log.Info("Tracking started",
		"user_id", user.ID, "contact_id", contact.ID, "platform", platform)

	if s.deps.Admin != nil {
		s.deps.Admin.NotifyTrackingStart(user.ID, user.Email, contact.ID,
			contact.Label(), platform, time.Now().UnixMilli())
	}
	return nil
}

// Stop halts sessions for the contact. platform semantics match Start;
// "all" stops every running session for the contact. Returns the
// platforms a stop was issued for.
func (s *TrackingService) Stop(contact *models.Contact, platform string) ([]string, error) {
	if platform == "all" {
		running := s.deps.Supervisor.ListRunning(contact.UserID)[contact.ID]
		s.deps.Supervisor.StopAllForContact(contact.UserID, contact.ID)
		s.dropNotifyState(contact.UserID, contact.ID, running)
		return running, nil
	}

	platforms, _, err := s.resolvePlatforms(contact, platform)
	if err != nil {
		return nil, err
	}
	for _, p := range platforms {
		s.deps.Supervisor.Stop(contact.SessionKey(p))
	}
	s.dropNotifyState(contact.UserID, contact.ID, platforms)
	return platforms, nil
}

// StopForContact halts every session for one contact, regardless of
// platform. Used when the contact is deleted.
func (s *TrackingService) StopForContact(userID, contactID int64) {
	running := s.deps.Supervisor.ListRunning(userID)[contactID]
	s.deps.Supervisor.StopAllForContact(userID, contactID)
	s.dropNotifyState(userID, contactID, running)
}

// dropNotifyState forgets edge-detector memory for stopped sessions so
// a later restart never replays a stale OFFLINE edge.
func (s *TrackingService) dropNotifyState(userID, contactID int64, platforms []string) {
	if s.deps.Detector == nil {
		return
	}
	for _, p := range platforms {
		s.deps.Detector.DropSession(userID, contactID, p)
	}
}

// Running reports the user's active sessions grouped by contact.
func (s *TrackingService) Running(userID int64) map[int64][]string {
	return s.deps.Supervisor.ListRunning(userID)
}

// IsRunning reports whether one session is active.
func (s *TrackingService) IsRunning(key models.SessionKey) bool {
	return s.deps.Supervisor.IsRunning(key)
}

// Profile fetches directory data for a contact via a short-lived
// adapter. Nil when the platform has no profile capability.
func (s *TrackingService) Profile(ctx context.Context, contact *models.Contact) (*models.Profile, error) {
	adapter, err := s.deps.Registry.Create(contact.Platform, contact)
	if err != nil {
		return nil, err
	}
	defer adapter.Close()

	fetcher, ok := adapter.(adapters.ProfileFetcher)
	if !ok {
		return nil, nil
	}
	return fetcher.GetProfile(ctx)
}

// Presence queries a contact's platform presence hint. ok is false when
// the platform has no presence capability.
func (s *TrackingService) Presence(ctx context.Context, contact *models.Contact) (presence string, ok bool, err error) {
	adapter, err := s.deps.Registry.Create(contact.Platform, contact)
	if err != nil {
		return "", false, err
	}
	defer adapter.Close()

	fetcher, fok := adapter.(adapters.PresenceFetcher)
	if !fok {
		return "", false, nil
	}
	presence, err = fetcher.GetPresence(ctx)
	return presence, true, err
}

// resolvePlatforms expands a raw platform argument into the concrete
// platform list. explicit is true when a single named platform (or the
// contact default) was requested, in which case a start failure is an
// error rather than a skip.
func (s *TrackingService) resolvePlatforms(contact *models.Contact, platform string) (platforms []string, explicit bool, err error) {
	if platform == "all" {
		all := s.deps.Registry.Platforms()
		if len(all) == 0 {
			return nil, false, ErrNoPlatforms
		}
		return all, false, nil
	}

	if platform == "" {
		platform = contact.Platform
	}
	if !s.deps.Registry.Supports(platform) {
		return nil, true, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return []string{platform}, true, nil
}
