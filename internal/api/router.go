// Package api assembles the HTTP surface: middleware chain, REST routes,
// the streaming websocket endpoint and the metrics scrape.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/api/handlers"
	"github.com/vet-kb/backend/internal/artifact"
	"github.com/vet-kb/backend/internal/dosing"
	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/middleware/ratelimit"
	"github.com/vet-kb/backend/internal/middleware/security"
	"github.com/vet-kb/backend/internal/middleware/validation"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/pkg/config"
)

// Store is the persistence the handlers read and write.
type Store interface {
	handlers.HistoryReader
	handlers.FeedbackStore
	handlers.RunLister
}

type Deps struct {
	Engine    handlers.Answerer
	Store     Store
	Runtime   handlers.Runtime
	Registry  *registry.Handle
	Artifacts artifact.Store
	Dosing    *dosing.Calculator
	Logger    *zap.Logger
}

// Server owns the fiber app and the background state of its middleware.
type Server struct {
	App     *fiber.App
	limiter *ratelimit.RateLimiter
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimit),
		Burst:             cfg.RateBurst,
		Logger:            deps.Logger.Named("ratelimit"),
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins(cfg.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.Development,
	}))

	system := handlers.NewSystemHandler(deps.Runtime, deps.Registry, deps.Store)
	app.Get("/health", system.Health)
	app.Get("/ready", system.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	queryHandler := handlers.NewQueryHandler(deps.Engine, deps.Store)
	feedbackHandler := handlers.NewFeedbackHandler(deps.Store)
	drugHandler := handlers.NewDrugHandler(deps.Registry, deps.Artifacts)
	wsHandler := handlers.NewWebSocketHandler(deps.Engine)

	v1 := app.Group("/api/v1",
		limiter.Middleware(),
		validation.Middleware(validation.Config{
			MaxQueryLength: cfg.MaxQueryLength,
			Logger:         deps.Logger.Named("validation"),
		}),
	)

	v1.Post("/query", queryHandler.HandleQuery)
	v1.Get("/query/history", queryHandler.GetQueryHistory)
	v1.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws/query", websocket.New(wsHandler.HandleConnection))

	v1.Get("/drugs", drugHandler.ListDrugs)
	v1.Get("/drugs/:name", drugHandler.GetDrug)
	v1.Get("/quality", drugHandler.GetQuality)
	v1.Post("/feedback", feedbackHandler.SubmitFeedback)

	v1.Get("/runs", system.ListRuns)
	v1.Post("/corpus/reload", system.ReloadCorpus)

	if deps.Dosing != nil {
		dosingHandler := handlers.NewDosingHandler(deps.Dosing)
		v1.Post("/calculate/dose", dosingHandler.CalculateDose)
		v1.Post("/calculate/cri", dosingHandler.CalculateCRI)
		v1.Post("/interactions", dosingHandler.CheckInteractions)
	}

	return &Server{App: app, limiter: limiter}
}

func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

func (s *Server) Shutdown() error {
	s.limiter.Stop()
	return s.App.Shutdown()
}

func corsOrigins(origins []string) string {
	var out []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return "*"
	}
	return strings.Join(out, ", ")
}
