// Package admin serves the HTTP API of a worker: status, vertex lookups,
// peers and metrics. grpc-web requests are handed to the worker's gRPC
// server.
package admin

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"warpgraph/graph"
	"warpgraph/util"
	"warpgraph/warp"
)

type Option func(*Server)

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithPeers(peers []util.PeerConfig) Option {
	return func(s *Server) { s.peers = peers }
}

// WithGRPC routes grpc-web requests to srv.
func WithGRPC(srv *grpc.Server) Option {
	return func(s *Server) { s.grpcWeb = grpcweb.WrapServer(srv) }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server starts before the graph is loaded; the job hands it the graph and
// the engine as they come up.
type Server struct {
	rank     uint32
	gatherer prometheus.Gatherer
	peers    []util.PeerConfig
	grpcWeb  *grpcweb.WrappedGrpcServer
	log      *zap.Logger
	router   *gin.Engine

	mu     sync.RWMutex
	g      *graph.Graph
	engine *warp.Engine
	phase  string
}

func New(rank uint32, opts ...Option) *Server {
	s := &Server{rank: rank, gatherer: prometheus.DefaultGatherer, log: zap.NewNop(), phase: "starting"}
	for _, opt := range opts {
		opt(s)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.logRequests)
	api := s.router.Group("/api")
	{
		api.GET("/status", s.Status)
		api.GET("/vertex/:id", s.GetVertex)
		api.GET("/peers", s.Peers)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) SetGraph(g *graph.Graph) {
	s.mu.Lock()
	s.g = g
	s.mu.Unlock()
}

func (s *Server) SetEngine(e *warp.Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

// SetPhase records what the worker is doing while no engine runs.
func (s *Server) SetPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("admin request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)))
}

func (s *Server) Status(c *gin.Context) {
	s.mu.RLock()
	g, e, phase := s.g, s.engine, s.phase
	s.mu.RUnlock()

	body := gin.H{"rank": s.rank, "phase": phase}
	if g != nil {
		body["localVertices"] = g.NumLocalVertices()
		body["finalized"] = g.Partition().Finalized()
	}
	if e != nil {
		st := e.Status()
		body["state"] = st.State
		body["queueLength"] = st.QueueLength
		body["stats"] = st.Stats
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) GetVertex(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 0, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad vertex id " + strconv.Quote(c.Param("id"))})
		return
	}
	s.mu.RLock()
	g := s.g
	s.mu.RUnlock()
	if g == nil || !g.Partition().Finalized() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph not loaded"})
		return
	}
	snap, err := g.Vertex(c.Request.Context(), id)
	switch {
	case errors.Is(err, graph.ErrVertexNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      snap.ID,
		"owner":   g.Owner(id),
		"data":    jsonValue(snap.Data),
		"numIn":   snap.NumIn,
		"numOut":  snap.NumOut,
		"version": snap.Version,
	})
}

func (s *Server) Peers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rank": s.rank, "peers": s.peers})
}

// jsonValue keeps payloads JSON cannot encode readable.
func jsonValue(v interface{}) interface{} {
	if f, ok := v.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}

// Handler serves the API and, when configured, grpc-web.
func (s *Server) Handler() http.Handler {
	if s.grpcWeb == nil {
		return s.router
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.grpcWeb.IsGrpcWebRequest(r) {
			s.grpcWeb.ServeHTTP(w, r)
			return
		}
		s.router.ServeHTTP(w, r)
	})
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("admin API listening", zap.String("addr", addr))
	select {
	case err := <-errc:
		return errors.Wrapf(err, "admin: serve %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
