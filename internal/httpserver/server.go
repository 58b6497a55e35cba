// Package httpserver exposes the session store, the subscription registry and
// the optional analytic mirror over a JSON HTTP API, including a server-sent
// event stream of live updates.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/ingest"
	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/registry"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

// DefaultPort is the API port used when none is configured.
const DefaultPort = 5006

// Sessions is the part of the session store the API reads and prunes.
type Sessions interface {
	SessionDir() string
	Collections() []model.CollectionInfo
	GetCollection(id string) (*session.Collection, bool)
	DropCollection(id string) error
}

// Observers is the part of the registry the API uses.
type Observers interface {
	Subscribe(key model.SubscriptionKey, fn registry.Callback) *registry.Subscription
	SubscribeCollections(fn registry.CollectionCallback) *registry.Subscription
	GetStats(key model.SubscriptionKey) (model.Stats, bool)
	History(key model.SubscriptionKey) ([]model.Point, bool)
	Len() int
	Backlog() int
}

// Worker is the control surface of the aggregation worker.
type Worker interface {
	Rollover(ctx context.Context) (string, error)
	State() ingest.State
	Flushing() bool
	Counters() ingest.Counters
}

// Queue reports ingestion queue occupancy.
type Queue interface {
	Len() int
	Cap() int
}

// Mirror is the optional analytic store behind /api/query.
type Mirror interface {
	model.SampleReader
	DeleteCollection(collectionID string) (int64, error)
}

// Deps are the components the API serves. Mirror and Metrics may be nil.
type Deps struct {
	Sessions  Sessions
	Observers Observers
	Worker    Worker
	Queue     Queue
	Mirror    Mirror
	Metrics   *metrics.Pipeline
}

// Config holds optional server settings.
type Config struct {
	Logger *zap.Logger
}

// Server provides the dashboard HTTP API.
type Server struct {
	addr      string
	deps      Deps
	log       *zap.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps, conf ...Config) *Server {
	if addr == "" {
		addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
	}
	logger := zap.NewNop()
	if len(conf) > 0 && conf[0].Logger != nil {
		logger = conf[0].Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		log:       logger.Named("httpserver"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), zapLogger(s.log))
	r.HandleMethodNotAllowed = true

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/collections", s.handleListCollections)
	api.POST("/collections", s.handleRollover)
	api.DELETE("/collections/:id", s.handleDropCollection)
	api.GET("/collections/:id/lines", s.handleLines)
	api.GET("/stats", s.handleStats)
	api.GET("/history", s.handleHistory)
	api.GET("/stream", s.handleStream)
	api.GET("/schema", s.handleSchema)
	api.GET("/summaries", s.handleSummaries)
	api.POST("/query", s.handleQuery)

	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return r
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	s.log.Info("http api listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop ends open streams and gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
