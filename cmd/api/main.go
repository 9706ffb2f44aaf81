package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geoattend/internal/attendance"
	"geoattend/internal/audit"
	"geoattend/internal/auth"
	"geoattend/internal/config"
	"geoattend/internal/handler"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/metrics"
	"geoattend/internal/qrsession"
	"geoattend/internal/queue"
	"geoattend/internal/schedule"
	"geoattend/internal/settings"
	"geoattend/internal/store"
)

// repository is everything the API needs from a storage backend.
type repository interface {
	handler.Store
	attendance.Store
	attendance.ReviewStore
	attendance.ReportStore
	qrsession.Store
	schedule.Store
	settings.Store
	audit.Writer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]handler.HealthCheck{}

	var repo repository
	switch cfg.StoreBackend {
	case "memory":
		log.Println("using in-memory store; data is lost on restart")
		repo = store.NewMemory()
	default:
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		repo = store.NewRepository(db.Client)
		health["db"] = db.Healthy
	}

	var (
		q     queue.Queue
		cache *store.Redis
	)
	switch cfg.QueueBackend {
	case "memory":
		q = queue.NewInMemory(256)
	default:
		cache = store.NewRedis(cfg.RedisAddr)
		defer cache.Close()
		q = queue.NewRedisQueue(cache.Client, queue.DefaultKey)
		health["redis"] = cache.Healthy
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	pub := audit.NewPublisher(q)
	settingsSvc := settings.NewService(repo, cache, cfg.SettingsTTL)
	sessions := qrsession.NewManager(repo, qrsession.Options{
		SigningKey: []byte(cfg.QRSigningKey),
		Issuer:     cfg.JWTIssuer,
		TokenTTL:   cfg.QRTokenTTL,
		RotateTTL:  cfg.QRRotateTTL,
		Location:   cfg.Location,
	})
	resolver := schedule.NewResolver(repo, schedule.Options{
		Location:            cfg.Location,
		AllowEarly:          cfg.AllowEarly,
		LegacyUserSchedules: cfg.LegacySchedules,
	})
	recorder := attendance.NewRecorder(repo, sessions, resolver, settingsSvc, pub, m, attendance.Config{
		AutoConfirm: cfg.AutoConfirm,
		Location:    cfg.Location,
	})

	h := handler.New(handler.Deps{
		Store:    repo,
		Recorder: recorder,
		Reviewer: attendance.NewReviewer(repo, pub, m),
		Reports:  attendance.NewReports(repo),
		Sessions: sessions,
		Settings: settingsSvc,
		Audit:    pub,
		Metrics:  m,
		Location: cfg.Location,
		Health:   health,
	})

	// without a worker the API drains its own audit queue
	if cfg.ConsumeAuditInProcess() {
		go func() {
			if err := audit.Consume(ctx, q, repo); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("audit consumer stopped: %v", err)
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	h.Register(r, auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.Middleware(handler.ScanLimitKey))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting server on :%s (tz %s)", cfg.HTTPPort, cfg.Location)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	return c
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
