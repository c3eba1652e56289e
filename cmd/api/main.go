package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/api"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/delivery"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/metrics"
	"rollcall/internal/notify"
	"rollcall/internal/otp"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	defer redisClient.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := notify.NewHub(originChecker(cfg))
	defer hub.Close()

	var publisher attendance.Publisher
	switch cfg.PushBackend {
	case "redis":
		// every instance relays the shared channels into its own hub
		publisher = notify.NewRedisPublisher(redisClient.Client)
		go notify.Relay(ctx, redisClient.Client, hub)
	case "both":
		publisher = notify.Fanout{hub, notify.NewRedisPublisher(redisClient.Client)}
	default:
		publisher = hub
	}

	deliverer, err := newDeliverer(ctx, cfg, redisClient)
	if err != nil {
		return err
	}

	clock := func() time.Time { return time.Now().UTC() }
	repo := attendance.NewRepository(db.Client)
	sessions := attendance.NewStore()
	svc := attendance.NewService(sessions, otp.NewIssuer(cfg.CodeDigits, clock), attendance.Options{
		Secret:              cfg.CodeSecret,
		Publisher:           publisher,
		Deliverer:           deliverer,
		Metrics:             m,
		Now:                 clock,
		LateAfter:           cfg.LateAfter,
		DeliveryConcurrency: cfg.DeliveryConcurrency,
		QRBaseURL:           cfg.CheckinBase,
	})

	sweeper := attendance.NewSweeper(sessions, attendance.SweeperOptions{
		Interval:   cfg.SweepInterval,
		Publisher:  publisher,
		Metrics:    m,
		Now:        clock,
		OnFinalize: repo.SaveRoster,
	})
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	// security headers first so aborted preflights carry them too
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins...))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || (!redisHealthy && usesRedis(cfg)) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":        http.StatusText(status),
			"redis":         redisHealthy,
			"db":            dbHealthy,
			"open_sessions": sessions.Len(),
			"sweeper":       sweeper.State().String(),
		})
	})

	api.New(api.Config{
		Service:   svc,
		Directory: repo,
		Hub:       hub,
		Signer: auth.Signer{
			Issuer:     cfg.JWTIssuer,
			Key:        cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		Limits: api.Limits{
			WindowMin:     cfg.WindowMin,
			WindowMax:     cfg.WindowMax,
			WindowDefault: cfg.WindowDefault,
			RadiusMin:     cfg.RadiusMin,
			RadiusMax:     cfg.RadiusMax,
			RadiusDefault: cfg.RadiusDefault,
		},
		CheckinLimiter: httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		DevTokens:      !cfg.Production(),
	}).Register(r)

	// WriteTimeout stays zero: live websocket connections outlive any
	// request deadline.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down server...")
	case err := <-errCh:
		return err
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	if err := sweeper.Stop(); err != nil && !errors.Is(err, attendance.ErrSweeperNotRunning) {
		log.Printf("sweeper stop: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func newDeliverer(ctx context.Context, cfg config.App, redisClient *store.Redis) (attendance.Deliverer, error) {
	switch cfg.QueueBackend {
	case "redis":
		log.Println("delivery: queued on redis, run cmd/worker to send")
		return delivery.NewQueued(queue.NewRedisQueue(redisClient.Client, "")), nil
	case "memory":
		// in-process worker drains the queue
		q := queue.NewInMemory(256)
		mailer, err := newMailer(cfg)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := delivery.NewWorker(q, mailer, cfg.DeliveryAttempts).Run(ctx); err != nil {
				log.Printf("delivery worker: %v", err)
			}
		}()
		return delivery.NewQueued(q), nil
	default:
		return newMailer(cfg)
	}
}

func newMailer(cfg config.App) (attendance.Deliverer, error) {
	if cfg.ResendAPIKey == "" {
		log.Println("delivery: RESEND_API_KEY not set, codes are only logged")
		return logDeliverer{}, nil
	}
	return delivery.NewMailer(cfg.ResendAPIKey, cfg.MailFrom)
}

// originChecker accepts any websocket origin in development and only the
// configured origins in production. Without a list gorilla's same-origin
// check applies.
func originChecker(cfg config.App) func(*http.Request) bool {
	if !cfg.Production() {
		return func(*http.Request) bool { return true }
	}
	if len(cfg.CORSOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool { return allowed[r.Header.Get("Origin")] }
}

func usesRedis(cfg config.App) bool {
	return cfg.QueueBackend == "redis" || cfg.PushBackend != "hub"
}

// logDeliverer stands in for email in development.
type logDeliverer struct{}

func (logDeliverer) Deliver(_ context.Context, d attendance.Delivery) error {
	log.Printf("delivery: %s (%s) code %s for course %s", d.StudentID, d.Email, d.Code, d.CourseID)
	return nil
}
