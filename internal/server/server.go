// Package server exposes datasets and backtest runs over HTTP, with a
// websocket stream of run progress.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/history"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/amirphl/simple-backtester/internal/utils"
)

// Config holds listen settings and the defaults applied to run requests
// that leave them out.
type Config struct {
	Addr           string
	Strategy       strategy.Config
	InitialCapital float64
	Debug          bool
}

type Server struct {
	cfg     Config
	manager *backtest.Manager
	loader  *history.Loader
	engine  *gin.Engine
	http    *http.Server
	logger  *log.Logger
}

func New(cfg Config, manager *backtest.Manager, loader *history.Loader) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		loader:  loader,
		engine:  gin.New(),
		logger:  utils.GetLogger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)

	api.GET("/datasets", s.listDatasets)
	api.POST("/datasets/import", s.importDataset)
	api.GET("/datasets/:name", s.getDataset)
	api.DELETE("/datasets/:name", s.deleteDataset)
	api.GET("/datasets/:name/signal", s.datasetSignal)

	api.POST("/backtests", s.startBacktest)
	api.GET("/backtests", s.listBacktests)
	api.GET("/backtests/:id", s.getBacktest)
	api.POST("/backtests/:id/pause", s.pauseBacktest)
	api.POST("/backtests/:id/resume", s.resumeBacktest)
	api.POST("/backtests/:id/cancel", s.cancelBacktest)
	api.GET("/backtests/:id/ws", s.streamBacktest)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Printf("HTTP | %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("Server | listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and cancels every run.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if mErr := s.manager.Shutdown(ctx); err == nil {
		err = mErr
	}
	return err
}
