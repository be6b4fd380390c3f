package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}
