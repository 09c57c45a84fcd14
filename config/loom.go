package config

import (
	"strconv"
)

// HubConfig is the configuration of the hub process: the REST and WebSocket
// server, the event broadcaster, the webhook engine and the janitor.
type HubConfig struct {
	RedisURL     string `json:"redis_url" validate:"required"`
	HTTPPort     int    `json:"http_port" validate:"min=1,max=65535"`
	WSAuthSecret string `json:"ws_auth_secret" validate:"required,min=16"`

	// DatabaseURL enables the Postgres delivery audit when set.
	DatabaseURL string `json:"database_url,omitempty"`

	// MaxPendingJobs refuses new submissions with 429 once the pending
	// index reaches this depth. Zero disables the cap.
	MaxPendingJobs int64 `json:"max_pending_jobs,omitempty"`

	ObjStoreEndpoint  string `json:"objstore_endpoint,omitempty"`
	ObjStoreAccessKey string `json:"objstore_access_key,omitempty"`
	ObjStoreSecretKey string `json:"objstore_secret_key,omitempty"`
	ObjStoreUseSSL    bool   `json:"objstore_use_ssl,omitempty"`
}

// WorkerConfig is the configuration of a worker process.
type WorkerConfig struct {
	RedisURL    string `json:"redis_url" validate:"required"`
	ServiceName string `json:"service_name" validate:"required"`

	// WorkerID and MachineID are generated or discovered when absent.
	WorkerID  string `json:"worker_id,omitempty"`
	MachineID string `json:"machine_id,omitempty"`

	// ConnectorEndpoint switches the worker from the built-in simulation
	// connector to the REST connector against this inference endpoint.
	ConnectorEndpoint string `json:"connector_endpoint,omitempty"`

	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	GPUMemoryGB    int    `json:"gpu_memory_gb,omitempty"`
	GPUModel       string `json:"gpu_model,omitempty"`
	PollIntervalMS int    `json:"poll_interval_ms,omitempty"`
	ResultBucket   string `json:"result_bucket,omitempty"`

	ObjStoreEndpoint  string `json:"objstore_endpoint,omitempty"`
	ObjStoreAccessKey string `json:"objstore_access_key,omitempty"`
	ObjStoreSecretKey string `json:"objstore_secret_key,omitempty"`
	ObjStoreUseSSL    bool   `json:"objstore_use_ssl,omitempty"`
}

// HubEnv maps hub environment variables onto a HubConfig. HUB_REDIS_URL is
// accepted as an alias of REDIS_URL for deployments that share one
// environment between processes.
func HubEnv() *Env {
	return NewEnv(func(getenv func(string) string, c any) error {
		cfg := c.(*HubConfig)
		setString(getenv, &cfg.RedisURL, "REDIS_URL", "HUB_REDIS_URL")
		setString(getenv, &cfg.WSAuthSecret, "WS_AUTH_SECRET")
		setString(getenv, &cfg.DatabaseURL, "DATABASE_URL")
		setString(getenv, &cfg.ObjStoreEndpoint, "OBJSTORE_ENDPOINT")
		setString(getenv, &cfg.ObjStoreAccessKey, "OBJSTORE_ACCESS_KEY")
		setString(getenv, &cfg.ObjStoreSecretKey, "OBJSTORE_SECRET_KEY")
		setBool(getenv, &cfg.ObjStoreUseSSL, "OBJSTORE_USE_SSL")
		if err := setInt(getenv, &cfg.HTTPPort, "HTTP_PORT"); err != nil {
			return err
		}
		if v := getenv("MAX_PENDING_JOBS"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			cfg.MaxPendingJobs = n
		}
		if cfg.HTTPPort == 0 {
			cfg.HTTPPort = 8080
		}
		return nil
	})
}

// WorkerEnv maps worker environment variables onto a WorkerConfig.
func WorkerEnv() *Env {
	return NewEnv(func(getenv func(string) string, c any) error {
		cfg := c.(*WorkerConfig)
		setString(getenv, &cfg.RedisURL, "REDIS_URL", "HUB_REDIS_URL")
		setString(getenv, &cfg.ServiceName, "SERVICE_NAME")
		setString(getenv, &cfg.WorkerID, "WORKER_ID")
		setString(getenv, &cfg.MachineID, "MACHINE_ID")
		setString(getenv, &cfg.ConnectorEndpoint, "CONNECTOR_ENDPOINT")
		setString(getenv, &cfg.GPUModel, "GPU_MODEL")
		setString(getenv, &cfg.ResultBucket, "RESULT_BUCKET")
		setString(getenv, &cfg.ObjStoreEndpoint, "OBJSTORE_ENDPOINT")
		setString(getenv, &cfg.ObjStoreAccessKey, "OBJSTORE_ACCESS_KEY")
		setString(getenv, &cfg.ObjStoreSecretKey, "OBJSTORE_SECRET_KEY")
		setBool(getenv, &cfg.ObjStoreUseSSL, "OBJSTORE_USE_SSL")
		for _, f := range []struct {
			dst *int
			key string
		}{
			{&cfg.MaxConcurrent, "MAX_CONCURRENT"},
			{&cfg.GPUMemoryGB, "GPU_MEMORY_GB"},
			{&cfg.PollIntervalMS, "POLL_INTERVAL_MS"},
		} {
			if err := setInt(getenv, f.dst, f.key); err != nil {
				return err
			}
		}
		return nil
	})
}

func setString(getenv func(string) string, dst *string, keys ...string) {
	for _, key := range keys {
		if v := getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(getenv func(string) string, dst *int, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(getenv func(string) string, dst *bool, key string) {
	v := getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}
