// Package status serves the local view of a running agent: an HTTP server
// with health, diagnostics and metrics, and a gRPC health service.
package status

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/circuitnotion/device-agent/pkg/agent"
)

// Source is the agent state exposed by the status endpoints
type Source interface {
	Connected() bool
	Diagnostics() agent.Diagnostics
	Metrics() *prometheus.Registry
}

// Server is the HTTP status server
type Server struct {
	source  Source
	httpLog bool
}

// NewServer creates an http.Server for addr serving source
func NewServer(addr string, source Source, httpLog bool) *http.Server {
	s := &Server{source: source, httpLog: httpLog}

	return &http.Server{
		Addr:         addr,
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthz", s.HealthCheckHandler)
	e.GET("/status", s.StatusHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.source.Metrics(), promhttp.HandlerOpts{})))

	return e
}

// HealthCheckHandler answers 200 while a platform session is up
func (s *Server) HealthCheckHandler(c echo.Context) error {
	if s.source.Connected() {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) StatusHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Diagnostics())
}
