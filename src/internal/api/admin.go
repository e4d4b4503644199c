package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"herald-main/src/internal/system"
)

type healthResponse struct {
	Status           string          `json:"status"`
	SchedulerEnabled bool            `json:"scheduler_enabled"`
	ChannelReady     bool            `json:"channel_ready"`
	System           system.Snapshot `json:"system"`
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.Gateway.ChannelStatus()
	c.JSON(http.StatusOK, healthResponse{
		Status:           "ok",
		SchedulerEnabled: s.Gateway.Config.Scheduler.Enabled,
		ChannelReady:     st.Connected && st.LoggedIn,
		System:           system.Take(),
	})
}

func (s *Server) setupRoutesChannels() {
	ch := s.Engine.Group("/api/v1/channels/whatsapp")
	{
		ch.GET("/status", s.handleChannelStatus)
		ch.POST("/enroll", s.handleChannelEnroll)
	}
}

func (s *Server) handleChannelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Gateway.ChannelStatus())
}

func (s *Server) handleChannelEnroll(c *gin.Context) {
	if err := s.Gateway.ChannelEnroll(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "enrollment started, scan the QR code printed on the server console"})
}
