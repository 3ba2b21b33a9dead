// Package api serves the supervisor over HTTP for hosts that run the skill out
// of process. Hooks are invoked with POST /v1/hooks/:name, the current state is
// read from GET /v1/state and broadcasts stream from GET /v1/notifications.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/llm-supervisor/internal/config"
	"github.com/traylinx/llm-supervisor/internal/notify"
	"github.com/traylinx/llm-supervisor/internal/skill"
	"github.com/traylinx/llm-supervisor/internal/supervisor"
	"github.com/traylinx/llm-supervisor/internal/util"
)

// maxPayloadBytes bounds a hook event body.
const maxPayloadBytes = 1 << 20

// Options holds the dependencies of a Server.
type Options struct {
	Skill      *skill.Skill
	Supervisor *supervisor.Supervisor
	// Hub streams broadcasts to websocket clients. Optional.
	Hub *notify.Hub
	// Config returns the current configuration; it is read per request.
	Config   func() *config.Config
	StateBox *util.StateBox
	Paths    StateBoxPaths
}

// Server is the HTTP front end of the skill.
type Server struct {
	engine *gin.Engine
	opts   Options
	srv    *http.Server
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{engine: engine, opts: opts}

	v1 := engine.Group("/v1")
	v1.POST("/hooks/:name", s.handleHook)
	v1.GET("/state", s.handleState)
	v1.POST("/state/mode", s.requireManagementKey(), s.handleForceMode)
	v1.GET("/skill", s.handleManifest)
	if opts.Hub != nil {
		v1.GET("/notifications", gin.WrapH(opts.Hub))
	}

	engine.GET("/api/state-box/status", localhostOnly(), StateBoxStatusHandler(opts.StateBox, opts.Paths))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("llm-supervisor API listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	out, err := s.opts.Skill.Invoke(c.Request.Context(), c.Param("name"), payload)
	switch {
	case errors.Is(err, skill.ErrUnknownHook):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, skill.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		log.Errorf("hook %s failed: %v", c.Param("name"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleState(c *gin.Context) {
	status, err := s.opts.Supervisor.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

type forceModeRequest struct {
	Mode   string `json:"mode" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleForceMode(c *gin.Context) {
	var req forceModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"mode\": \"local\"|\"cloud\", \"reason\": string}"})
		return
	}
	mode, err := supervisor.ParseMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st, err := s.opts.Supervisor.ForceMode(c.Request.Context(), mode, req.Reason)
	if err != nil && st.Mode == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		// The record was written; only the broadcast failed.
		log.Warnf("mode forced to %s but notification failed: %v", mode, err)
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (s *Server) handleManifest(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Skill.Manifest())
}

// requireManagementKey accepts "Authorization: Bearer <key>" or
// "X-Management-Key: <key>" checked against the bcrypt hash in the config.
func (s *Server) requireManagementKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Management-Key")
		if key == "" {
			authHeader := c.GetHeader("Authorization")
			if token := strings.TrimPrefix(authHeader, "Bearer "); token != authHeader {
				key = token
			}
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "management key required"})
			return
		}

		var cfg *config.Config
		if s.opts.Config != nil {
			cfg = s.opts.Config()
		}
		if !cfg.CheckManagementKey(key) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

// localhostOnly admits loopback clients that did not come through a proxy.
func localhostOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLocalhostDirect(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "available from localhost only"})
			return
		}
		c.Next()
	}
}

func isLocalhostDirect(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return false
	}
	for _, h := range []string{"X-Forwarded-For", "X-Real-IP", "Forwarded"} {
		if r.Header.Get(h) != "" {
			return false
		}
	}
	return true
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"component": "api",
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).Round(time.Microsecond).String(),
		}).Debugf("%s %s", c.Request.Method, c.FullPath())
	}
}
