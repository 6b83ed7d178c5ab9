// Package api exposes the framework over HTTP: system lifecycle, task
// submission, queue visibility, a websocket event stream, and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/metrics"
	"github.com/nightofknife/aura/internal/scheduler"
	"github.com/nightofknife/aura/internal/task"
	"github.com/nightofknife/aura/internal/tasklet"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Server is the HTTP surface over one scheduler.
type Server struct {
	sched  *scheduler.Scheduler
	tasks  *task.Loader
	events *bus.Bus
	hub    *Hub
	logger *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the router. metrics may be nil to skip the /metrics endpoint.
func New(addr string, sched *scheduler.Scheduler, tasks *task.Loader, events *bus.Bus, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		sched:  sched,
		tasks:  tasks,
		events: events,
		hub:    NewHub(logger),
		logger: logger.With("component", "api"),
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
	}
	if err := s.hub.BindBus(events); err != nil {
		return nil, err
	}

	api := engine.Group("/api")
	api.POST("/system/start", s.handleSystemStart)
	api.POST("/system/stop", s.handleSystemStop)
	api.GET("/system/status", s.handleSystemStatus)

	api.GET("/plans", s.handlePlans)
	api.GET("/plans/:plan/tasks", s.handlePlanTasks)
	api.GET("/schedule", s.handleSchedule)

	api.POST("/tasks/run", s.handleTaskRun)
	api.POST("/tasks/batch", s.handleTaskBatch)
	api.POST("/tasks/cancel", s.handleTaskCancel)
	api.POST("/tasks/priority", s.handleTaskPriority)

	api.GET("/runs/active", s.handleActiveRuns)
	api.GET("/queue/overview", s.handleQueueOverview)
	api.GET("/queue/list", s.handleQueueList)

	engine.GET("/ws/events", s.hub.Serve)
	if m != nil {
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}
	return s, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub exposes the websocket hub so callers can attach the log fanout.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves until Shutdown. It returns nil on graceful close.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listener and every websocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// fail writes the uniform error envelope. Validation faults are the
// caller's; everything else is a 500.
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case auraerr.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, auraerr.ErrSchedulerStopped):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"status": "error", "message": err.Error()})
}

func (s *Server) handleSystemStart(c *gin.Context) {
	if err := s.sched.Start(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSystemStop(c *gin.Context) {
	s.sched.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	queues := gin.H{}
	for _, q := range s.sched.Queues() {
		queues[q.Name()] = q.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"started": s.sched.Started(),
		"running": len(s.sched.Running()),
		"queues":  queues,
	})
}

func (s *Server) handlePlans(c *gin.Context) {
	reg := s.sched.Registry()
	if reg == nil {
		c.JSON(http.StatusOK, gin.H{"status": "success", "plans": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "plans": reg.PlanNames()})
}

func (s *Server) handlePlanTasks(c *gin.Context) {
	names, err := s.tasks.ListTasks(c.Param("plan"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "tasks": names})
}

func (s *Server) handleSchedule(c *gin.Context) {
	entries := s.sched.ScheduleEntries()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":   e.Key(),
			"plan": e.Plan,
			"task": e.Task,
			"cron": e.Cron,
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "entries": out})
}

type runRequest struct {
	Plan     string         `json:"plan" binding:"required"`
	Task     string         `json:"task" binding:"required"`
	Inputs   map[string]any `json:"inputs"`
	Priority *int           `json:"priority"`
}

func (s *Server) submit(req runRequest) (string, error) {
	var opts []tasklet.Option
	if req.Priority != nil {
		opts = append(opts, tasklet.WithPriority(*req.Priority))
	}
	return s.sched.RunAdHocTask(req.Plan, req.Task, req.Inputs, opts...)
}

func (s *Server) handleTaskRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, auraerr.NewValidation("body", "%v", err))
		return
	}
	runID, err := s.submit(req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "success", "cid": runID})
}

// handleTaskBatch enqueues several runs in one call. The batch is not
// transactional: each entry reports its own outcome.
func (s *Server) handleTaskBatch(c *gin.Context) {
	var req struct {
		Tasks []runRequest `json:"tasks" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, auraerr.NewValidation("body", "%v", err))
		return
	}
	results := make([]gin.H, 0, len(req.Tasks))
	for _, item := range req.Tasks {
		runID, err := s.submit(item)
		if err != nil {
			results = append(results, gin.H{"status": "error", "message": err.Error()})
			continue
		}
		results = append(results, gin.H{"status": "success", "cid": runID})
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "success", "results": results})
}

type runRef struct {
	RunID string `json:"run_id" binding:"required"`
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	var req runRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, auraerr.NewValidation("body", "%v", err))
		return
	}
	s.sched.Cancel(req.RunID)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleTaskPriority(c *gin.Context) {
	var req struct {
		RunID    string `json:"run_id" binding:"required"`
		Priority int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, auraerr.NewValidation("body", "%v", err))
		return
	}
	moved := s.sched.SetPriority(req.RunID, req.Priority)
	c.JSON(http.StatusOK, gin.H{"status": "success", "reordered": moved})
}

func taskletView(tl *tasklet.Tasklet) gin.H {
	enqueue, start, _ := tl.Times()
	view := gin.H{
		"run_id":   tl.RunID,
		"plan":     tl.Plan,
		"task":     tl.Task,
		"queue":    tl.Queue,
		"status":   string(tl.Status()),
		"priority": tl.Priority(),
		"enqueued": enqueue.Format(time.RFC3339Nano),
	}
	if !start.IsZero() {
		view["started"] = start.Format(time.RFC3339Nano)
	}
	return view
}

func (s *Server) handleActiveRuns(c *gin.Context) {
	running := s.sched.Running()
	out := make([]gin.H, 0, len(running))
	for _, tl := range running {
		out = append(out, taskletView(tl))
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "runs": out})
}

func (s *Server) handleQueueOverview(c *gin.Context) {
	queues := make([]gin.H, 0, 3)
	for _, q := range s.sched.Queues() {
		ready, delayed := q.Snapshot()
		queues = append(queues, gin.H{
			"name":    q.Name(),
			"ready":   len(ready),
			"delayed": len(delayed),
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "queues": queues})
}

func (s *Server) handleQueueList(c *gin.Context) {
	state := c.DefaultQuery("state", "ready")
	if state != "ready" && state != "delayed" {
		fail(c, auraerr.NewValidation("state", "state must be ready or delayed"))
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, auraerr.NewValidation("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	var out []gin.H
	for _, q := range s.sched.Queues() {
		ready, delayed := q.Snapshot()
		list := ready
		if state == "delayed" {
			list = delayed
		}
		for _, tl := range list {
			if len(out) >= limit {
				break
			}
			out = append(out, taskletView(tl))
		}
	}
	if out == nil {
		out = []gin.H{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "state": state, "tasklets": out})
}
