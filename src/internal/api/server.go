// Package api exposes the task engine over HTTP and websocket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"herald-main/src/internal/gateway"
	"herald-main/src/internal/tasks"
)

type Server struct {
	Gateway *gateway.Gateway
	Engine  *gin.Engine
	hub     *Hub
}

func NewServer(gw *gateway.Gateway) *Server {
	e := gin.New()
	e.Use(gin.Logger(), gin.Recovery())
	s := &Server{
		Gateway: gw,
		Engine:  e,
		hub:     NewHub(),
	}
	s.Engine.Use(s.corsMiddleware())
	s.setupRoutesRest()
	s.setupRoutesChannels()
	s.setupRoutesWebSocket()
	s.Engine.GET("/metrics", gin.WrapH(gw.Metrics.Handler()))

	gw.Engine.OnChange(s.hub.BroadcastTask)
	if gw.Channel != nil {
		gw.Channel.OnStatus(s.hub.BroadcastStatus)
	}
	return s
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutesRest() {
	v1 := s.Engine.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)

		v1.GET("/tasks", s.handleListTasks)
		v1.POST("/tasks", s.handleCreateTask)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.PUT("/tasks/:id", s.handleUpdateTask)
		v1.DELETE("/tasks/:id", s.handleDeleteTask)
		v1.POST("/tasks/:id/queue", s.handleQueueTask)
		v1.POST("/tasks/:id/execute", s.handleExecuteTask)
		v1.DELETE("/tasks/:id/logs", s.handleClearTaskLogs)
		v1.GET("/tasks/:id/prompt", s.handleGetTaskPrompt)

		v1.GET("/routes", s.handleListRoutes)
		v1.GET("/history", s.handleListHistory)
	}
}

func (s *Server) setupRoutesWebSocket() {
	s.Engine.GET("/ws", s.handleWebsocket)
}

// statusFor maps domain error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrPrecondition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       600 * time.Second,
		WriteTimeout:      600 * time.Second,
		IdleTimeout:       1200 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	ctxShut, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShut); err != nil {
		slog.Error("server graceful shutdown error", "error", err)
	}
	s.hub.Close()
	slog.Info("server stopped")
	return nil
}
