package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/MachineConnect/internal/auth"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RegisterDeviceRequest struct {
	EdgeThingArn string `json:"edge_thing_arn" binding:"required"`
	GatewayID    string `json:"gateway_id"`
}

type RegisterDeviceResponse struct {
	Device types.Device `json:"device"`
	Token  string       `json:"token"` // Only returned once!
}

// GET /api/v1/devices/:name
func (s *Server) getDevice(c *gin.Context) {
	name := c.Param("name")

	device, err := s.lm.Devices().GetDevice(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeDeviceNotFound, "Device not found", map[string]string{"device": name}))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeDeviceLookupFail, "Failed to load device", err.Error()))
		return
	}

	c.JSON(http.StatusOK, device)
}

// PUT /api/v1/devices/:name
//
// Registers a device (or refreshes its identity) and issues a new command
// channel token. The previous token stops working.
func (s *Server) registerDevice(c *gin.Context) {
	name := c.Param("name")

	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "Invalid request body", err.Error()))
		return
	}

	gatewayID := req.GatewayID
	if gatewayID == "" {
		gatewayID = name
	}

	token, hash, err := s.authService.IssueDeviceToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to issue device token", err.Error()))
		return
	}

	device := types.Device{
		DeviceName:   name,
		EdgeThingArn: req.EdgeThingArn,
		GatewayID:    gatewayID,
		TokenHash:    hash,
	}
	if err := s.lm.Devices().SaveDevice(c.Request.Context(), device); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to save device", err.Error()))
		return
	}

	s.logger.Info("Device registered",
		zap.String("device", name),
		zap.String("gateway_id", gatewayID),
		zap.String("subject", auth.Subject(c)))

	// Re-read so an existing device reports its connection count.
	if saved, err := s.lm.Devices().GetDevice(c.Request.Context(), name); err == nil {
		device = *saved
	}

	c.JSON(http.StatusOK, RegisterDeviceResponse{Device: device, Token: token})
}
