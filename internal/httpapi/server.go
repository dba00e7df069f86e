// Package httpapi is the fiber HTTP surface: device endpoints authenticated
// by bearer tokens, admin endpoints authenticated by an API key, an SSE
// event feed and a health probe.
package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"tankctl/internal/auth"
	"tankctl/internal/clock"
	"tankctl/internal/eventbus"
	"tankctl/internal/fleet"
	"tankctl/internal/model"
	logx "tankctl/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    int
	SSEKeepalive time.Duration
	AdminAPIKey  string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = 64 << 10
	}
	if c.SSEKeepalive <= 0 {
		c.SSEKeepalive = 25 * time.Second
	}
	return c
}

// Commands is the command lifecycle as the API uses it.
type Commands interface {
	Issue(ctx context.Context, deviceID string, p model.Payload, src model.Source) (model.Command, error)
	FetchPending(ctx context.Context, deviceID string) (model.Command, bool, error)
	Acknowledge(ctx context.Context, deviceID, commandID string, success bool, result string) (model.Command, error)
	History(ctx context.Context, deviceID string, f model.CommandFilter) ([]model.Command, error)
}

// Schedules is the lighting schedule surface.
type Schedules interface {
	Settings(ctx context.Context, deviceID string) (model.ScheduleSettings, error)
	UpdateSettings(ctx context.Context, deviceID string, patch model.SettingsPatch) (model.ScheduleSettings, error)
	ManualOverride(ctx context.Context, deviceID string, t model.CommandType) (model.ScheduleSettings, error)
	ClearOverride(ctx context.Context, deviceID string) (model.ScheduleSettings, error)
}

// Fleet is registration, heartbeats and device lookup.
type Fleet interface {
	Register(ctx context.Context, req fleet.RegisterRequest) (fleet.Registration, error)
	RecordStatus(ctx context.Context, deviceID string, r model.StatusReport) (model.Device, error)
	Get(ctx context.Context, id string) (model.Device, error)
	List(ctx context.Context) ([]model.Device, error)
	StatusHistory(ctx context.Context, deviceID string, limit int) ([]model.StatusLog, error)
}

type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Deps are the services behind the routes. Health may be nil.
type Deps struct {
	Commands  Commands
	Schedules Schedules
	Fleet     Fleet
	Tokens    TokenVerifier
	Bus       eventbus.Bus
	Clock     clock.Clock
	Health    func() map[string]any
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	app  *fiber.App

	// closed on shutdown so open event streams end before fiber drains
	streamsDone chan struct{}
	closeOnce   sync.Once
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal(time.UTC)
	}
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, deps: deps, log: log, streamsDone: make(chan struct{})}
	// Immutable: params and queries end up in bus events that outlive the request.
	s.app = fiber.New(fiber.Config{
		AppName:               "tankctl",
		Immutable:             true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})
	s.app.Use(requestid.New(), s.logRequests, recover.New(recover.Config{EnableStackTrace: true}))
	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	a := s.app

	a.Get("/healthz", s.health)

	// device routes
	a.Post("/tank/register", s.register)
	a.Get("/tank/command", s.deviceAuth, s.fetchCommand)
	a.Post("/tank/command/ack", s.deviceAuth, s.ackCommand)
	a.Post("/tank/status", s.deviceAuth, s.reportStatus)
	a.Get("/tank/settings/me", s.deviceAuth, s.mySettings)

	// admin routes
	a.Post("/tank/:device/command", s.adminAuth, s.issueCommand)
	a.Get("/tank/:device/commands/history", s.adminAuth, s.commandHistory)
	a.Get("/tank/settings", s.adminAuth, s.getSettings)
	a.Put("/tank/settings", s.adminAuth, s.updateSettings)
	a.Post("/tank/settings/override", s.adminAuth, s.setOverride)
	a.Post("/tank/settings/override/clear", s.adminAuth, s.clearOverride)
	a.Get("/tanks", s.adminAuth, s.listTanks)
	a.Get("/tanks/:device", s.adminAuth, s.getTank)
	a.Get("/tanks/:device/status", s.adminAuth, s.tankStatus)
	a.Get("/events", s.adminAuth, s.events)
}

// Run serves until ctx ends, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.cfg.Addr) }()
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.closeStreams()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Server) closeStreams() { s.closeOnce.Do(func() { close(s.streamsDone) }) }

func (s *Server) health(c *fiber.Ctx) error {
	out := map[string]any{
		"status": "ok",
		"time":   s.deps.Clock.Now(),
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			out[k] = v
		}
	}
	return c.JSON(out)
}
