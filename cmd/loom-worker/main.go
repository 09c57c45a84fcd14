// loom-worker is one worker process: it advertises its capabilities,
// claims matching jobs from the pending index and executes them through a
// connector, streaming progress and lifecycle events back to the hub.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/config"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/objstore"
	"github.com/remiges-tech/loom/worker"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "loom-worker", os.Stdout)

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

	registry := worker.NewRegistry()
	var conn worker.Connector
	if cfg.ConnectorEndpoint != "" {
		conn = worker.NewRESTConnector(cfg.ServiceName, cfg.ConnectorEndpoint)
	} else {
		conn = worker.NewSimulationConnector(cfg.ServiceName)
	}
	if err := registry.Register(conn); err != nil {
		log.Fatalf("connector: %v", err)
	}

	spec := worker.CapabilitySpec{
		WorkerID:      cfg.WorkerID,
		MachineID:     cfg.MachineID,
		GPUMemoryGB:   float64(cfg.GPUMemoryGB),
		MaxConcurrent: cfg.MaxConcurrent,
	}
	if cfg.GPUModel != "" {
		spec.Custom = map[string]any{"gpu_model": cfg.GPUModel}
	}
	caps := worker.BuildCapabilities(spec)

	var objStore objstore.ObjectStore
	if cfg.ObjStoreEndpoint != "" {
		mc, err := minio.New(cfg.ObjStoreEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjStoreAccessKey, cfg.ObjStoreSecretKey, ""),
			Secure: cfg.ObjStoreUseSSL,
		})
		if err != nil {
			log.Fatalf("object store: %v", err)
		}
		objStore = objstore.NewMinioObjectStore(mc)
	}

	runtimeCfg := worker.Config{ResultBucket: cfg.ResultBucket}
	if cfg.PollIntervalMS > 0 {
		runtimeCfg.PollInterval = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}

	rt := worker.New(store, caps, registry, objStore, jobs.RedisEmitter{Store: store}, logger, runtimeCfg)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.Stop(stopCtx, "shutdown_requested")
	}()

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func loadConfig() (*config.WorkerConfig, error) {
	sources := config.Overlay{}
	if path := os.Getenv("LOOM_CONFIG"); path != "" {
		file, err := config.NewFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, file)
	}
	sources = append(sources, config.WorkerEnv())

	var cfg config.WorkerConfig
	if err := config.Load(sources, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
