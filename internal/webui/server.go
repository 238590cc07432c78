// Package webui exposes the HTTP control surface: run launching, pool and
// run inspection, the audit trail, live progress over websocket and
// Prometheus metrics.
package webui

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optimus/internal/broadcast"
	"optimus/internal/catalog"
	"optimus/internal/logging"
	"optimus/internal/pipeline"
	"optimus/internal/workerpool"
)

// Server serves the control API for one pipeline engine instance.
type Server struct {
	addr        string
	engine      *gin.Engine
	store       catalog.Store
	pool        *workerpool.Pool
	coordinator *pipeline.Coordinator
	broadcaster *broadcast.Broadcaster
	registry    *prometheus.Registry
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// New builds the router. registry may be nil to disable /metrics.
func New(addr string, store catalog.Store, pool *workerpool.Pool, coordinator *pipeline.Coordinator, broadcaster *broadcast.Broadcaster, registry *prometheus.Registry, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:        addr,
		engine:      gin.New(),
		store:       store,
		pool:        pool,
		coordinator: coordinator,
		broadcaster: broadcaster,
		registry:    registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.OrNop(logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/tasks", s.handleTaskTypes)
		api.GET("/runs", s.handleRecentRuns)
		api.GET("/changes", s.handleRecentChanges)
		api.POST("/changes/:productID/review", s.handleMarkReviewed)
		api.POST("/pipeline/run", s.handleLaunchRun)
	}

	s.engine.GET("/ws/progress", s.handleProgressSocket)

	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web ui listening on %s", s.addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleStatus(c *gin.Context) {
	status := s.pool.Status()
	c.JSON(http.StatusOK, gin.H{
		"total_workers":  status.TotalWorkers,
		"active_workers": status.ActiveWorkers,
		"idle_workers":   status.IdleWorkers,
		"error_workers":  status.ErrorWorkers,
		"queue_depth":    status.QueueDepth,
		"stats": gin.H{
			"total_tasks":        status.Stats.TotalTasks,
			"completed_tasks":    status.Stats.CompletedTasks,
			"failed_tasks":       status.Stats.FailedTasks,
			"avg_execution_time": status.Stats.AvgExecutionTime,
		},
		"workers": status.Workers,
	})
}

func (s *Server) handleTaskTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"task_types": catalog.TaskTypes()})
}

func (s *Server) handleRecentRuns(c *gin.Context) {
	limit := intQuery(c, "limit", 10)
	runs, err := s.store.RecentPipelineRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline_runs": runs})
}

func (s *Server) handleRecentChanges(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	changes, err := s.store.RecentChanges(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (s *Server) handleMarkReviewed(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productID"), 10, 64)
	if err != nil || productID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}
	if err := s.store.MarkReviewed(c.Request.Context(), productID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reviewed", "product_id": productID})
}

type launchRequest struct {
	ProductIDs []int64 `json:"product_ids" binding:"required,min=1"`
	TaskType   string  `json:"task_type" binding:"required"`
	Quantize   bool    `json:"quantize"`
}

// handleLaunchRun starts a batch in the background and returns immediately;
// progress is observable on the websocket and through /api/runs.
func (s *Server) handleLaunchRun(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskType, ok := catalog.ParseTaskType(req.TaskType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task type " + req.TaskType})
		return
	}

	go func() {
		if _, err := s.coordinator.Run(context.Background(), req.ProductIDs, taskType, req.Quantize); err != nil {
			s.logger.Error("background %s run failed: %v", taskType, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "started",
		"task_type": string(taskType),
		"total":     len(req.ProductIDs),
	})
}

// wsSubscriber adapts one websocket connection to broadcast.Subscriber.
// Writes are serialized; gorilla connections allow one concurrent writer.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSubscriber) Send(message map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(message)
}

func (s *Server) handleProgressSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	sub := &wsSubscriber{conn: conn}
	s.broadcaster.Subscribe(broadcast.ChannelPipelineProgress, sub)
	s.logger.Debug("progress subscriber connected from %s", conn.RemoteAddr())

	// The read loop only detects disconnects; clients do not send messages.
	go func() {
		defer func() {
			s.broadcaster.Unsubscribe(broadcast.ChannelPipelineProgress, sub)
			_ = conn.Close()
			s.logger.Debug("progress subscriber disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
