package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/store"
)

// Version is reported by /health.
var Version = "0.1.0"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
	Agents  int    `json:"agents"`
	Running int    `json:"running"`
}

// Server provides the HTTP API for agentplane.
type Server struct {
	service *Service
	addr    string
	engine  *gin.Engine
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(logger.Named("http")))

	s := &Server{
		service: service,
		addr:    addr,
		engine:  r,
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)

	agents := s.engine.Group("/agents")
	{
		agents.GET("", s.listAgents)
		agents.POST("/start-all", s.startAll)
		agents.POST("/stop-all", s.stopAll)
		agents.GET("/:name", s.getAgent)
		agents.POST("/:name/start", s.startAgent)
		agents.POST("/:name/stop", s.stopAgent)
	}

	tasks := s.engine.Group("/tasks")
	{
		tasks.POST("", s.createTask)
		tasks.GET("", s.listTasks)
		tasks.GET("/schedules", s.listSchedules)
		tasks.GET("/:id", s.getTask)
		tasks.POST("/:id/cancel", s.cancelTask)
		tasks.POST("/:id/pause", s.pauseTask)
		tasks.POST("/:id/resume", s.resumeTask)
		tasks.POST("/:id/execute", s.executeTask)
	}

	events := s.engine.Group("/events")
	{
		events.GET("", s.listEvents)
		events.GET("/stored", s.listStoredEvents)
		events.GET("/stats", s.eventStats)
		events.GET("/stream", s.streamEvents)
	}

	sync := s.engine.Group("/sync")
	{
		sync.POST("", s.syncAll)
		sync.POST("/:vendor", s.syncVendor)
		sync.GET("/report", s.syncReport)
		sync.GET("/history", s.syncHistory)
		sync.GET("/orders", s.listOrders)
	}

	s.engine.GET("/audit", s.listAudit)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.engine,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events/stream is long-lived.
	}

	s.logger.Info("http_server_starting", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := s.service.Status()
	resp.Agents = status.TotalAgents
	resp.Running = status.RunningAgents

	code := http.StatusOK
	if err := s.service.Ping(c.Request.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"orchestrator": s.service.Status(),
		"scheduler":    s.service.SchedulerStatus(),
		"events":       s.service.EventStats(),
	})
}

// --- Agent Handlers ---

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Agents())
}

func (s *Server) getAgent(c *gin.Context) {
	snap, err := s.service.Agent(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) startAgent(c *gin.Context) {
	name := c.Param("name")
	ok, err := s.service.StartAgent(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	s.agentResult(c, name, ok)
}

func (s *Server) stopAgent(c *gin.Context) {
	name := c.Param("name")
	ok, err := s.service.StopAgent(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	s.agentResult(c, name, ok)
}

func (s *Server) agentResult(c *gin.Context, name string, ok bool) {
	snap, _ := s.service.Agent(name)
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"success": ok, "agent": snap})
}

func (s *Server) startAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.StartAll(c.Request.Context()))
}

func (s *Server) stopAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.StopAll(c.Request.Context()))
}

// --- Task Handlers ---

type createTaskRequest struct {
	AgentName       string         `json:"agent_name" binding:"required"`
	TaskType        string         `json:"task_type" binding:"required"`
	Payload         map[string]any `json:"payload"`
	Priority        *int           `json:"priority"`
	MaxRetries      *int           `json:"max_retries"`
	ScheduledAt     *time.Time     `json:"scheduled_at"`
	Schedule        string         `json:"schedule"`
	IntervalMinutes int            `json:"interval_minutes"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.service.CreateTask(c.Request.Context(), TaskSpec{
		AgentName:       req.AgentName,
		TaskType:        req.TaskType,
		Payload:         req.Payload,
		Priority:        req.Priority,
		MaxRetries:      req.MaxRetries,
		ScheduledAt:     req.ScheduledAt,
		Schedule:        models.ScheduleType(req.Schedule),
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.service.ListTasks(c.Query("status"), c.Query("agent"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Schedules())
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.service.GetTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	s.taskTransition(c, s.service.CancelTask)
}

func (s *Server) pauseTask(c *gin.Context) {
	s.taskTransition(c, s.service.PauseTask)
}

func (s *Server) resumeTask(c *gin.Context) {
	s.taskTransition(c, s.service.ResumeTask)
}

func (s *Server) taskTransition(c *gin.Context, op func(string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		writeError(c, err)
		return
	}
	task, _ := s.service.GetTask(id)
	c.JSON(http.StatusOK, task)
}

func (s *Server) executeTask(c *gin.Context) {
	res, err := s.service.ExecuteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Event Handlers ---

func (s *Server) listEvents(c *gin.Context) {
	events, err := s.service.Events(c.Query("type"), queryInt(c, "limit", eventbus.DefaultHistoryLimit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) listStoredEvents(c *gin.Context) {
	events, err := s.service.StoredEvents(c.Request.Context(), c.Query("type"), c.Query("source"), uint64(queryInt(c, "limit", eventbus.DefaultHistoryLimit)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) eventStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.EventStats())
}

// --- Sync Handlers ---

func (s *Server) syncAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.SyncAll(c.Request.Context()))
}

func (s *Server) syncVendor(c *gin.Context) {
	res, err := s.service.SyncVendor(c.Request.Context(), c.Param("vendor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) syncReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Report())
}

func (s *Server) syncHistory(c *gin.Context) {
	logs, err := s.service.SyncHistory(c.Request.Context(), c.Query("vendor"), uint64(queryInt(c, "limit", 50)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) listOrders(c *gin.Context) {
	orders, err := s.service.Orders(c.Request.Context(), store.OrderFilter{
		Vendor: c.Query("vendor"),
		Status: c.Query("status"),
		Limit:  uint64(queryInt(c, "limit", 100)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) listAudit(c *gin.Context) {
	entries, err := s.service.Audit(c.Request.Context(), c.Query("subject"), uint64(queryInt(c, "limit", 100)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrUnknownVendor), errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrTransition):
		code = http.StatusConflict
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidSchedule),
		errors.Is(err, eventbus.ErrUnknownEventType):
		code = http.StatusBadRequest
	}
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}
