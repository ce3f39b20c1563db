// api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"example.com/backstage/services/registry/api/middleware"
	"example.com/backstage/services/registry/config"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	name       string
	router     *gin.Engine
	config     config.ServerConfig
	httpServer *http.Server
	log        *logrus.Logger
}

// NewServer creates an HTTP server; setup registers the routes
func NewServer(
	name string,
	cfg config.ServerConfig,
	log *logrus.Logger,
	nrApp *newrelic.Application,
	setup func(r *gin.Engine),
) *Server {
	router := NewRouter(cfg.Mode, log, nrApp)
	setup(router)

	return &Server{
		name:   name,
		router: router,
		config: cfg,
		log:    log,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter creates a gin engine with the common middleware
func NewRouter(mode string, log *logrus.Logger, nrApp *newrelic.Application) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))

	if nrApp != nil {
		router.Use(middleware.NewRelicMiddleware(nrApp))
	}

	return router
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.log.WithField("port", s.config.Port).Infof("Starting %s server", s.name)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
