package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quietwire/pingmark/pkg/adapters/whatsapp"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/database"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/notify"
	"github.com/quietwire/pingmark/pkg/realtime"
	"github.com/quietwire/pingmark/pkg/services"
)

// UserStore is the account persistence the API needs.
type UserStore interface {
	Create(ctx context.Context, email, userName, passwordHash string) (*models.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

// ContactStore is the contact persistence the API needs.
type ContactStore interface {
	Create(ctx context.Context, c models.Contact) (*models.Contact, error)
	Get(ctx context.Context, userID, contactID int64) (*models.Contact, error)
	List(ctx context.Context, userID int64) ([]models.Contact, error)
	Delete(ctx context.Context, userID, contactID int64) error
	SetNotifyOnline(ctx context.Context, userID, contactID int64, enabled bool) error
}

// PointReader serves the point history endpoints.
type PointReader interface {
	RecentPoints(ctx context.Context, userID, contactID int64, limit int) ([]models.TrackerPoint, error)
	LatestPoint(ctx context.Context, userID, contactID int64) (*models.TrackerPoint, error)
}

// ProbeReader serves the probe audit endpoints.
type ProbeReader interface {
	RecentProbes(ctx context.Context, userID, contactID int64, limit int) ([]models.Probe, error)
	LatestProbe(ctx context.Context, userID, contactID int64) (*models.Probe, error)
}

// ServerDeps wires a Server.
type ServerDeps struct {
	Config   *config.Config
	DB       *database.Client
	Users    UserStore
	Contacts ContactStore
	Points   PointReader
	Probes   ProbeReader
	Tracking *services.TrackingService
	WhatsApp *whatsapp.Service
	Hub      *realtime.Hub
	Admin    *notify.AdminNotifier
	Logger   *slog.Logger
}

// Server serves the REST API and the realtime websocket endpoint.
type Server struct {
	cfg      *config.Config
	db       *database.Client
	users    UserStore
	contacts ContactStore
	points   PointReader
	probes   ProbeReader
	tracking *services.TrackingService
	whatsapp *whatsapp.Service
	hub      *realtime.Hub
	admin    *notify.AdminNotifier
	jwt      *JWTManager
	log      *slog.Logger
}

// NewServer builds the API server.
func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		cfg:      deps.Config,
		db:       deps.DB,
		users:    deps.Users,
		contacts: deps.Contacts,
		points:   deps.Points,
		probes:   deps.Probes,
		tracking: deps.Tracking,
		whatsapp: deps.WhatsApp,
		hub:      deps.Hub,
		admin:    deps.Admin,
		jwt:      NewJWTManager(deps.Config.Auth.JWTSecret, deps.Config.Auth.TokenTTL),
		log:      deps.Logger.With("component", "api"),
	}
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(RequestID(), AccessLog(s.log), CORS(s.cfg.CORSAllowOrigins), gin.Recovery())

	api := r.Group("/api")
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)
	api.GET("/webhooks/whatsapp", s.handleWhatsAppVerify)
	api.POST("/webhooks/whatsapp", s.handleWhatsAppEvent)
	api.GET("/health", s.handleHealth)

	authed := api.Group("", s.requireAuth())
	authed.GET("/auth/me", s.handleMe)

	authed.GET("/contacts", s.handleListContacts)
	authed.POST("/contacts", s.handleCreateContact)
	authed.DELETE("/contacts/:id", s.handleDeleteContact)
	authed.PATCH("/contacts/:id/notify", s.handleSetNotify)
	authed.GET("/contacts/:id/profile", s.handleContactProfile)
	authed.GET("/contacts/:id/presence", s.handleContactPresence)
	authed.GET("/contacts/:id/points", s.handleContactPoints)
	authed.GET("/contacts/:id/points/latest", s.handleContactLatestPoint)
	authed.GET("/contacts/:id/probes", s.handleContactProbes)
	authed.GET("/contacts/:id/probes/latest", s.handleContactLatestProbe)

	authed.POST("/tracking/:contact_id/start", s.handleTrackingStart)
	authed.POST("/tracking/:contact_id/stop", s.handleTrackingStop)
	// gin's tree cannot mix a static "running" segment with the
	// :contact_id wildcard, so /tracking/running dispatches from it.
	authed.GET("/tracking/:contact_id", s.handleTrackingIndex)
	authed.GET("/tracking/:contact_id/status", s.handleTrackingStatus)

	r.GET("/ws", s.handleWebsocket)
	return r
}

// Run serves until ctx is cancelled, then shuts down with a grace
// period for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
