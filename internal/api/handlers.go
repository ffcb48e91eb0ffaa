package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"robustagent/internal/logging"
	"robustagent/internal/memory"
	"robustagent/internal/models"
	"robustagent/internal/observability"
	"robustagent/internal/pipeline"
	"robustagent/internal/worker"
)

// TurnSubmitter runs a turn for a session, serialized with its other turns.
type TurnSubmitter interface {
	Submit(ctx context.Context, sessionID, input string) (*pipeline.Result, error)
}

// Handler wires HTTP routes to the memory store and the turn workers.
type Handler struct {
	history memory.History
	turns   TurnSubmitter
	logger  *zap.Logger
	now     func() time.Time
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// NewHandler constructs a Handler instance.
func NewHandler(history memory.History, turns TurnSubmitter, logger *zap.Logger) *Handler {
	return &Handler{
		history: history,
		turns:   turns,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// NewRouter builds a gin engine with recovery, request logging and all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.logger))
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)

	session := api.Group("/sessions/:session_id")
	session.Use(requireSessionID())
	session.POST("/messages", h.postMessage)
	session.GET("/messages", h.getMessages)
	session.DELETE("", h.deleteSession)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// check session id from path before touching storage
func requireSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionIDPattern.MatchString(c.Param("session_id")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		c.Next()
	}
}

func (h *Handler) createSession(c *gin.Context) {
	id := models.NewSessionID(h.now())
	c.JSON(http.StatusCreated, gin.H{
		"session_id":  id,
		"window_size": h.history.WindowSize(),
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.history.ListSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = make([]models.SessionSummary, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type messageRequest struct {
	Content string `json:"content"`
}

type turnResponse struct {
	SessionID   string `json:"session_id"`
	Reply       string `json:"reply"`
	InputValid  bool   `json:"input_valid"`
	OutputValid bool   `json:"output_valid"`
	Persisted   bool   `json:"persisted"`
	ToolRounds  int    `json:"tool_rounds"`
}

func newTurnResponse(res *pipeline.Result) turnResponse {
	return turnResponse{
		SessionID:   res.SessionID,
		Reply:       res.Reply,
		InputValid:  res.InputValid,
		OutputValid: res.OutputValid,
		Persisted:   res.Persisted,
		ToolRounds:  res.ToolRounds,
	}
}

func (h *Handler) postMessage(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.turns.Submit(c.Request.Context(), sessionID, req.Content)
	if err == nil {
		c.JSON(http.StatusOK, newTurnResponse(res))
		return
	}

	var (
		modelErr   *pipeline.ModelError
		storageErr *memory.StorageError
	)
	switch {
	case errors.Is(err, worker.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "session is busy, please retry"})
	case errors.Is(err, worker.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
	case errors.As(err, &modelErr):
		h.logger.Warn("turn failed in model call", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "language model unavailable"})
	case errors.As(err, &storageErr):
		h.logger.Error("turn failed in storage", zap.String("session_id", sessionID), zap.Error(err))
		body := gin.H{"error": "failed to access conversation memory"}
		// the reply was produced; only saving it failed
		if res != nil && res.Reply != "" {
			body["turn"] = newTurnResponse(res)
		}
		c.JSON(http.StatusInternalServerError, body)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "turn timed out"})
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
	default:
		h.logger.Error("turn failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) getMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	turns := h.history.WindowSize()
	if raw := c.Query("turns"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > memory.MaxWindowTurns {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("turns must be an integer between 1 and %d", memory.MaxWindowTurns)})
			return
		}
		turns = n
	}
	messages, err := h.history.LoadWindow(c.Request.Context(), sessionID, turns)
	if err != nil {
		h.logger.Error("load window", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"turns":      turns,
		"messages":   messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.history.Clear(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("clear session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear session"})
		return
	}
	c.Status(http.StatusNoContent)
}
