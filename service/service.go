// Package service assembles the hub's web service: it holds the shared
// dependencies of the REST handlers and registers the API routes. Each
// resource group (jobs, workers, webhooks, monitoring) can be mounted on
// its own route group with its own middleware.
package service

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/config"
	"github.com/remiges-tech/loom/hub"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/metrics"
	"github.com/remiges-tech/loom/webhook"
)

// Dependencies holds arbitrary extra dependencies. Assert the type before
// use; values are stored as any.
type Dependencies map[string]any

// Service is the core struct of the hub web service, holding the router,
// the logger and the orchestration components the handlers need.
type Service struct {
	Config    *config.HubConfig
	Router    *gin.Engine
	Logger    *logharbour.Logger
	Store     *jobs.Store
	Submitter *jobs.Submitter
	Webhooks  *webhook.Store
	Engine    *webhook.Engine
	Hub       *hub.Hub
	Metrics   metrics.Metrics

	Dependencies Dependencies
}

// NewService constructs a Service around a router. Dependencies are
// injected with the With methods.
func NewService(r *gin.Engine) *Service {
	return &Service{Router: r}
}

// WithDependency injects an arbitrary named dependency.
func (s *Service) WithDependency(key string, value any) *Service {
	if s.Dependencies == nil {
		s.Dependencies = make(Dependencies)
	}
	s.Dependencies[key] = value
	return s
}

func (s *Service) WithConfig(cfg *config.HubConfig) *Service {
	s.Config = cfg
	return s
}

func (s *Service) WithLogger(l *logharbour.Logger) *Service {
	s.Logger = l
	return s
}

func (s *Service) WithStore(store *jobs.Store) *Service {
	s.Store = store
	return s
}

func (s *Service) WithSubmitter(sb *jobs.Submitter) *Service {
	s.Submitter = sb
	return s
}

func (s *Service) WithWebhooks(store *webhook.Store, engine *webhook.Engine) *Service {
	s.Webhooks = store
	s.Engine = engine
	return s
}

func (s *Service) WithHub(h *hub.Hub) *Service {
	s.Hub = h
	return s
}

func (s *Service) WithMetrics(m metrics.Metrics) *Service {
	s.Metrics = m
	return s
}

// HandlerFunc is a request handler with access to the service.
type HandlerFunc func(*gin.Context, *Service)

// RegisterRoute registers a single route directly on the service's engine.
func (s *Service) RegisterRoute(method, path string, handler HandlerFunc) {
	wrappedHandler := func(c *gin.Context) {
		handler(c, s)
	}
	switch method {
	case http.MethodGet:
		s.Router.GET(path, wrappedHandler)
	case http.MethodPost:
		s.Router.POST(path, wrappedHandler)
	case http.MethodPut:
		s.Router.PUT(path, wrappedHandler)
	case http.MethodDelete:
		s.Router.DELETE(path, wrappedHandler)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}

// RegisterRoutes mounts the whole orchestration API on the service router.
func (s *Service) RegisterRoutes() {
	s.Router.Use(countRequests(s.Metrics))

	s.RegisterRoute(http.MethodPost, "/jobs", handleSubmitJob)
	s.RegisterRoute(http.MethodGet, "/jobs", handleListJobs)
	s.RegisterRoute(http.MethodGet, "/jobs/:id", handleGetJob)
	s.RegisterRoute(http.MethodGet, "/jobs/:id/forensics", handleJobForensics)
	s.RegisterRoute(http.MethodPost, "/jobs/:id/retry", handleRetryJob)
	s.RegisterRoute(http.MethodPost, "/jobs/:id/cancel", handleCancelJob)

	s.RegisterRoute(http.MethodGet, "/workers", handleListWorkers)
	s.RegisterRoute(http.MethodGet, "/stats", handleStats)

	s.RegisterRoute(http.MethodPost, "/webhooks", handleCreateWebhook)
	s.RegisterRoute(http.MethodGet, "/webhooks", handleListWebhooks)
	s.RegisterRoute(http.MethodGet, "/webhooks/:id", handleGetWebhook)
	s.RegisterRoute(http.MethodPut, "/webhooks/:id", handleUpdateWebhook)
	s.RegisterRoute(http.MethodDelete, "/webhooks/:id", handleDeleteWebhook)
	s.RegisterRoute(http.MethodPost, "/webhooks/:id/test", handleTestWebhook)
	s.RegisterRoute(http.MethodGet, "/webhooks/:id/deliveries", handleWebhookDeliveries)

	if s.Hub != nil && s.Config != nil {
		s.Router.GET("/ws/monitor", s.Hub.WSHandler(s.Config.WSAuthSecret))
	}
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
