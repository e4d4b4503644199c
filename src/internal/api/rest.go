package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"herald-main/src/internal/chat"
	"herald-main/src/internal/engine"
	"herald-main/src/internal/tasks"
)

func (s *Server) handleListTasks(c *gin.Context) {
	rows, err := s.Gateway.Engine.ListTasks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.Gateway.Engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var in engine.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.Gateway.Engine.CreateTask(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var in engine.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.Gateway.Engine.UpdateTask(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.Gateway.Engine.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQueueTask(c *gin.Context) {
	t, err := s.Gateway.Engine.QueueTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleExecuteTask runs a manual attempt synchronously. A failed attempt
// still returns the task record so callers can read its logs.
func (s *Server) handleExecuteTask(c *gin.Context) {
	t, err := s.Gateway.Engine.ExecuteTask(c.Request.Context(), c.Param("id"), tasks.TriggerManual)
	if err != nil {
		if t.ID != "" {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "task": t})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleClearTaskLogs(c *gin.Context) {
	t, err := s.Gateway.Engine.ClearTaskLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleGetTaskPrompt(c *gin.Context) {
	t, err := s.Gateway.Engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": t.ID, "merged_prompt": t.MergedPrompt})
}

func (s *Server) handleListRoutes(c *gin.Context) {
	rows, err := s.Gateway.Routes.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if taskID := c.Query("task_id"); taskID != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.TaskID == taskID {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleListHistory(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address query param required"})
		return
	}
	limit := chat.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	rows, err := s.Gateway.ListHistory(c.Request.Context(), address, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}
