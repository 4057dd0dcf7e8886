// Package server exposes the HTTP and WebSocket surface: chat endpoints,
// agent and event queries, metrics snapshots, and the /ws upgrade into the
// fan-out hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/agent"
	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
	gateway "github.com/conductor/conductor/internal/gateway/websocket"
	"github.com/conductor/conductor/internal/orchestrator"
	"github.com/conductor/conductor/internal/store"
)

// Server hosts the REST and WebSocket endpoints.
type Server struct {
	cfg      config.ServerConfig
	svc      *orchestrator.Service
	manager  *agent.Manager
	store    *store.Store
	hub      *gateway.Hub
	logger   *logger.Logger
	upgrader websocket.Upgrader

	router *gin.Engine
	http   *http.Server
}

// New wires the routes. The hub must be running before clients connect.
func New(cfg config.ServerConfig, svc *orchestrator.Service, mgr *agent.Manager, st *store.Store, hub *gateway.Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		manager: mgr,
		store:   st,
		hub:     hub,
		logger:  log.WithFields(zap.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served separately during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/get_orchestrator", s.handleGetOrchestrator)
	r.GET("/get_headers", s.handleGetHeaders)
	r.POST("/load_chat", s.handleLoadChat)
	r.POST("/send_chat", s.handleSendChat)
	r.GET("/get_events", s.handleGetEvents)
	r.GET("/list_agents", s.handleListAgents)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	{
		api.POST("/orchestrator/reset", s.handleReset)
		api.POST("/cache/clear", s.handleCacheClear)
		api.GET("/metrics/tokens", s.handleTokenMetrics)
		api.GET("/metrics/cache", s.handleCacheMetrics)
		api.GET("/metrics/costs", s.handleCostMetrics)
	}
	return r
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"service":               "conductor",
		"websocket_connections": s.hub.ClientCount(),
	})
}

func (s *Server) handleGetOrchestrator(c *gin.Context) {
	orch, err := s.store.GetOrchestratorByID(c.Request.Context(), s.svc.Orchestrator().ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	templates := make([]gin.H, 0)
	for _, tpl := range s.manager.Templates().List() {
		templates = append(templates, gin.H{
			"name":        tpl.Name,
			"description": tpl.Description,
			"tools":       tpl.Tools,
			"model":       tpl.Model,
			"color":       tpl.Color,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"orchestrator":      orchestratorJSON(orch),
		"slash_commands":    s.svc.SlashCommands(),
		"subagent_types":    templates,
		"management_tools":  s.manager.ToolSignatures(),
		"working_directory": s.svc.WorkingDir(),
	})
}

func (s *Server) handleGetHeaders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cwd": s.svc.WorkingDir()})
}

type loadChatRequest struct {
	OrchestratorAgentID string `json:"orchestrator_agent_id" binding:"required"`
	Limit               int    `json:"limit"`
}

func (s *Server) handleLoadChat(c *gin.Context) {
	var req loadChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OrchestratorAgentID != s.svc.Orchestrator().ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown orchestrator_agent_id"})
		return
	}
	messages, turnCount, err := s.svc.LoadChatHistory(c.Request.Context(), req.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "turn_count": turnCount})
}

type sendChatRequest struct {
	Message             string `json:"message" binding:"required"`
	OrchestratorAgentID string `json:"orchestrator_agent_id" binding:"required"`
}

func (s *Server) handleSendChat(c *gin.Context) {
	var req sendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OrchestratorAgentID != s.svc.Orchestrator().ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown orchestrator_agent_id"})
		return
	}

	// The turn streams over the WebSocket; the HTTP call only schedules it.
	go func() {
		if err := s.svc.ProcessUserMessage(context.Background(), req.Message); err != nil {
			s.logger.WithError(err).Error("chat turn failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "success"})
}

func (s *Server) handleGetEvents(c *gin.Context) {
	q := orchestrator.EventQuery{
		AgentID:  c.Query("agent_id"),
		TaskSlug: c.Query("task_slug"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}
	if raw := c.Query("event_types"); raw != "" && raw != "all" {
		q.EventTypes = strings.Split(raw, ",")
	}

	events, err := s.svc.Events(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleListAgents(c *gin.Context) {
	ctx := c.Request.Context()
	agents, err := s.store.ListAgents(ctx, s.svc.Orchestrator().ID, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		logCount, err := s.store.CountAgentLogs(ctx, a.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, gin.H{
			"id":            a.ID,
			"name":          a.Name,
			"model":         a.Model,
			"status":        a.Status,
			"input_tokens":  a.InputTokens,
			"output_tokens": a.OutputTokens,
			"total_cost":    a.TotalCost,
			"log_count":     logCount,
			"metadata":      a.Metadata,
			"created_at":    a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.svc.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	cleared := 0
	if eco := s.svc.Economy(); eco != nil {
		cleared = eco.Cache.Clear()
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "entries_removed": cleared})
}

func (s *Server) handleTokenMetrics(c *gin.Context) {
	eco := s.svc.Economy()
	if eco == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":       eco.Enabled,
		"rate_limiter":  eco.RateLimiter.Stats(),
		"budget":        eco.Budget.Report(),
		"selector":      eco.Selector.Stats(),
		"live_sessions": s.manager.LiveSessions(),
	})
}

func (s *Server) handleCacheMetrics(c *gin.Context) {
	eco := s.svc.Economy()
	if eco == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, eco.Cache.Stats())
}

func (s *Server) handleCostMetrics(c *gin.Context) {
	eco := s.svc.Economy()
	if eco == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, eco.Costs.Stats())
}

// handleWebSocket upgrades the connection and parks it on the hub until
// either side closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := gateway.NewClient(uuid.New().String(), conn, s.hub, s.logger)
	s.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

func orchestratorJSON(o *store.Orchestrator) gin.H {
	out := gin.H{
		"id":            o.ID,
		"status":        o.Status,
		"working_dir":   o.WorkingDir,
		"input_tokens":  o.InputTokens,
		"output_tokens": o.OutputTokens,
		"total_cost":    o.TotalCost,
		"metadata":      o.Metadata,
		"created_at":    o.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.SessionID != nil {
		out["session_id"] = *o.SessionID
	}
	return out
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
