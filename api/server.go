// Package api exposes the pipeline over HTTP: the observation ingest
// endpoint the browser companion posts to, the chart read endpoints, chart
// note upserts, and the sink control surface (throttle width, last write,
// diagnostics).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "shopflow/config"
	"shopflow/chart"
	"shopflow/internal/channel"
	"shopflow/logger"
	"shopflow/models"
	"shopflow/registry"
	"shopflow/sink"
)

// RowReader is the slice of the store client the chart endpoints need.
type RowReader interface {
	Select(ctx context.Context, table, fromISO, toISO string) ([]models.Record, error)
}

// SinkControl exposes the runtime throttle width.
type SinkControl interface {
	ThrottleMinutes() int
	SetThrottleMinutes(minutes int) error
}

// Server hosts the HTTP API.
type Server struct {
	cfg        *appconfig.Config
	registry   *registry.Registry
	channels   *channel.Channels
	rows       RowReader
	notes      *chart.Notes
	sinkCtl    SinkControl
	markers    sink.MarkerStore
	log        *logger.Log
	httpServer *http.Server
}

// NewServer wires the API server. When the API feature is disabled the
// returned server is nil.
func NewServer(cfg *appconfig.Config, reg *registry.Registry, channels *channel.Channels,
	rows RowReader, notes *chart.Notes, sinkCtl SinkControl, markers sink.MarkerStore) *Server {
	if !cfg.API.Enabled {
		return nil
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		channels: channels,
		rows:     rows,
		notes:    notes,
		sinkCtl:  sinkCtl,
		markers:  markers,
		log:      logger.GetLogger(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	addr := normalizeAddress(s.cfg.API.Address)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": addr}).Info("starting api server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("api").Info("api server stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return normalizeAddress(s.cfg.API.Address)
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/v1/observations", s.handleObservation)

	router.GET("/api/template", s.handleTemplate)
	router.GET("/api/day", s.handleDay)
	router.GET("/api/overlay", s.handleOverlay)
	router.GET("/api/trend", s.handleTrend)

	router.POST("/api/notes", s.handleNoteUpsert)

	router.GET("/api/sink/status", s.handleSinkStatus)
	router.GET("/api/sink/diagnostics", s.handleSinkDiagnostics)
	router.GET("/api/sink/throttle", s.handleThrottleGet)
	router.PUT("/api/sink/throttle", s.handleThrottleSet)

	return router, nil
}

type observationRequest struct {
	URL        string          `json:"url" binding:"required"`
	Body       json.RawMessage `json:"body" binding:"required"`
	RecordedAt string          `json:"recordedAt"`
}

// handleObservation accepts one intercepted response. The send never
// blocks; a full capture queue answers 503 so the companion can back off.
func (s *Server) handleObservation(c *gin.Context) {
	var req observationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url and body are required"})
		return
	}

	obs := models.Observation{
		URL:        req.URL,
		Body:       []byte(req.Body),
		RecordedAt: req.RecordedAt,
		ReceivedAt: time.Now(),
	}
	if !s.channels.SendObservation(c.Request.Context(), obs) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type noteRequest struct {
	ChartKey  string `json:"chartKey" binding:"required"`
	PointDate string `json:"pointDate" binding:"required"`
	PointSlot string `json:"pointSlot" binding:"required"`
	Note      string `json:"note"`
}

func (s *Server) handleNoteUpsert(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chartKey, pointDate and pointSlot are required"})
		return
	}
	if err := s.notes.Upsert(c.Request.Context(), req.ChartKey, req.PointDate, req.PointSlot, req.Note); err != nil {
		s.log.WithComponent("api").WithError(err).Warn("chart note upsert failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "note upsert failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSinkStatus(c *gin.Context) {
	payload := gin.H{
		"throttleMinutes": s.sinkCtl.ThrottleMinutes(),
		"lastWrite":       nil,
	}
	if lw, ok, err := s.markers.LastWrite(); err == nil && ok {
		payload["lastWrite"] = gin.H{
			"at":       lw.At,
			"slotKey":  lw.SlotKey,
			"sourceId": lw.SourceID,
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleSinkDiagnostics(c *gin.Context) {
	entries, err := s.markers.Diagnostics()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read diagnostics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleThrottleGet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"minutes": s.sinkCtl.ThrottleMinutes(),
		"allowed": s.cfg.Sink.AllowedMinutes,
	})
}

type throttleRequest struct {
	Minutes int `json:"minutes" binding:"required"`
}

func (s *Server) handleThrottleSet(c *gin.Context) {
	var req throttleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes is required"})
		return
	}
	if err := s.sinkCtl.SetThrottleMinutes(req.Minutes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"minutes": s.sinkCtl.ThrottleMinutes()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8090"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8090"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8090")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}

	return addr
}
