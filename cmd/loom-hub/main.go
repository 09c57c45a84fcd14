// loom-hub is the orchestration hub: the REST and WebSocket API, the event
// broadcaster, the webhook delivery engine and the janitor, all over one
// Redis data plane.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/config"
	"github.com/remiges-tech/loom/hub"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/metrics"
	"github.com/remiges-tech/loom/service"
	"github.com/remiges-tech/loom/webhook"
	webhookpg "github.com/remiges-tech/loom/webhook/pg"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "loom-hub", os.Stdout)

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	redisClient := redis.NewClient(opt)
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	store := jobs.NewStore(redisClient, logger)
	broadcaster := hub.New(store, logger, hub.Config{})

	webhookStore := webhook.NewStore(redisClient, logger)
	var recorder webhook.DeliveryRecorder
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		audit := webhookpg.NewStore(pool)
		if err := audit.Migrate(ctx); err != nil {
			log.Fatalf("postgres migrate: %v", err)
		}
		recorder = audit
	}
	engine := webhook.NewEngine(webhookStore, recorder, logger, webhook.EngineConfig{})

	emitter := jobs.MultiEmitter{broadcaster, engine}
	submitter := jobs.NewSubmitter(store, emitter, logger)
	attestor := jobs.NewAttestor(store, 0)
	janitor := jobs.NewJanitor(store, submitter, attestor, emitter, logger, jobs.JanitorConfig{})

	m := metrics.NewPrometheusMetrics()
	metrics.RegisterHubMetrics(m)
	sampler := &metrics.Sampler{Store: store, Metrics: m}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	svc := service.NewService(router).
		WithConfig(cfg).
		WithLogger(logger).
		WithStore(store).
		WithSubmitter(submitter).
		WithWebhooks(webhookStore, engine).
		WithHub(broadcaster).
		WithMetrics(m)
	svc.RegisterRoutes()

	go broadcaster.Run(ctx)
	go broadcaster.RunEventBridge(ctx)
	go engine.Run(ctx)
	go janitor.Run(ctx)
	go sampler.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err).LogActivity("HTTP shutdown failed", nil)
		}
	}()

	logger.Info().LogActivity("Hub listening", map[string]any{"port": cfg.HTTPPort})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http: %v", err)
	}
}

// loadConfig reads the optional LOOM_CONFIG JSON file overlaid by the
// environment.
func loadConfig() (*config.HubConfig, error) {
	sources := config.Overlay{}
	if path := os.Getenv("LOOM_CONFIG"); path != "" {
		file, err := config.NewFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, file)
	}
	sources = append(sources, config.HubEnv())

	var cfg config.HubConfig
	if err := config.Load(sources, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
