package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/opwatch/opwatch/config"
	core "github.com/opwatch/opwatch/internal/agent/core"
	"github.com/opwatch/opwatch/internal/agent/telemetry"
	"github.com/opwatch/opwatch/internal/capability"
	"github.com/opwatch/opwatch/internal/runtime"
	"github.com/opwatch/opwatch/internal/store"
	"github.com/opwatch/opwatch/session"
)

// Run wires the API: config, migrations, store, orchestrator, auth, and the
// scheduler, then serves until the listener stops.
func Run(cfgPath, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	cfg := config.LoadConfig(cfgPath)

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	ctx := context.Background()
	otelTele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "api", ServiceVersion: "dev", MetricsPort: cfg.Telemetry.MetricsPort})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelTele.Shutdown(shutdownCtx)
	}()

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	// handler card registry; cards are signed when a secret is configured
	cards := capability.DefaultHandlerCards()
	if cfg.Capability.SigningSecret != "" {
		for i := range cards {
			sig, err := capability.SignHandlerCard(cards[i], cfg.Capability.SigningSecret)
			if err != nil {
				return fmt.Errorf("card signing failed: %w", err)
			}
			cards[i].Signature = sig
		}
	}
	required := cfg.Capability.RequiredHandlers
	if len(required) == 0 {
		required = capability.RequiredHandlers
	}
	registry, err := capability.NewRegistry(cards, cfg.Capability.SigningSecret, required)
	if err != nil {
		return err
	}

	sessions := session.NewStore(session.Config{
		Type:          session.StoreType(cfg.Session.Store),
		RedisAddr:     cfg.Session.Redis.Addr(),
		RedisPassword: cfg.Session.Redis.Password,
		RedisDB:       cfg.Session.Redis.DB,
	})

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := core.NewOrchestrator(cfg, orchLogger, tele, registry, sessions)
	if err != nil {
		return err
	}

	jwtSecret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth, err := initAuth(st, jwtSecret)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(runtime.EchoAuthMiddleware(jwtSecret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, MeResponse{UserID: c.Get("user_id").(string)})
	})

	ah := NewAnalysisHandler(st, orch, cfg.General.MaxProcessingTime)
	ah.Register(api.Group("/analysis"), jwtSecret)

	sh := &SchedulesHandler{Store: st}
	sh.Register(api.Group("/schedules"), jwtSecret)

	sessH := &SessionsHandler{Sessions: sessions}
	sessH.Register(api.Group("/sessions"), jwtSecret)

	if cfg.Scheduler.Enabled {
		if err := cfg.Scheduler.Redis.Validate(); err != nil {
			return fmt.Errorf("scheduler requires redis: %w", err)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Scheduler.Redis.Addr(),
			Password: cfg.Scheduler.Redis.Password,
			DB:       cfg.Scheduler.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Scheduler.Redis.Addr(), err)
		}
		sched := NewScheduler(st, orch, rdb, time.Minute)
		sched.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
