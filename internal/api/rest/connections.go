package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KevinKickass/MachineConnect/internal/auth"
	"github.com/KevinKickass/MachineConnect/internal/orchestrator"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ConnectionResponse struct {
	ConnectionName string        `json:"connectionName"`
	Control        types.Control `json:"control"`
	Status         string        `json:"status"`
}

const (
	statusAccepted  = "accepted"
	statusCompleted = "completed"
)

// POST /api/v1/connections
//
// The workflow runs in the background and the request returns 202, unless
// ?wait=true is given, in which case the response carries the outcome.
func (s *Server) submitConnection(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "Failed to read request body", err.Error()))
		return
	}

	if err := s.validator.Validate(body); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "Invalid connection definition", err.Error()))
		return
	}

	var def types.ConnectionDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "Invalid connection definition", err.Error()))
		return
	}

	control, err := types.ParseControl(string(def.Control))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "Unsupported control", err.Error()))
		return
	}
	def.Control = control

	if control == types.ControlDeploy || control == types.ControlUpdate {
		if err := def.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "Invalid connection definition", err.Error()))
			return
		}
	}

	if !s.acquire(def.ConnectionName) {
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeConflict,
			"A request for this connection is already in progress",
			map[string]string{"connectionName": def.ConnectionName}))
		return
	}

	s.logger.Info("Connection request accepted",
		zap.String("connection", def.ConnectionName),
		zap.String("control", string(control)),
		zap.String("subject", auth.Subject(c)))

	// Workflows have no cancellation path; a dropped client must not abort one halfway.
	ctx := context.WithoutCancel(c.Request.Context())
	response := ConnectionResponse{ConnectionName: def.ConnectionName, Control: control}

	if c.Query("wait") == "true" {
		defer s.release(def.ConnectionName)

		if err := s.lm.Workflows().Handle(ctx, def); err != nil {
			status, code := workflowErrorStatus(err)
			c.JSON(status, types.NewErrorResponse(code, err.Error(), nil))
			return
		}

		response.Status = statusCompleted
		c.JSON(http.StatusOK, response)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.release(def.ConnectionName)

		// The orchestrator logs and publishes failures itself.
		_ = s.lm.Workflows().Handle(ctx, def)
	}()

	response.Status = statusAccepted
	c.JSON(http.StatusAccepted, response)
}

// GET /api/v1/connections/:name
func (s *Server) getConnection(c *gin.Context) {
	name := c.Param("name")

	conn, err := s.lm.Connections().GetConnection(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Connection not found", map[string]string{"connectionName": name}))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to load connection", err.Error()))
		return
	}

	c.JSON(http.StatusOK, conn)
}

func (s *Server) acquire(name string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()

	if _, ok := s.busy[name]; ok {
		return false
	}
	s.busy[name] = struct{}{}
	return true
}

func (s *Server) release(name string) {
	s.busyMu.Lock()
	delete(s.busy, name)
	s.busyMu.Unlock()
}

// workflowErrorStatus maps a workflow error to its HTTP status and API code.
func workflowErrorStatus(err error) (int, string) {
	var dup *orchestrator.DuplicatedServerNameError
	var dep *orchestrator.DeploymentError
	var wf *orchestrator.WorkflowError

	switch {
	case errors.Is(err, types.ErrUnsupportedControl),
		errors.Is(err, types.ErrUnsupportedProtocol),
		errors.Is(err, types.ErrInvalidDefinition):
		return http.StatusBadRequest, types.CodeInvalidRequest
	case errors.As(err, &dup):
		return http.StatusConflict, types.CodeConflict
	case errors.Is(err, storage.ErrDeviceNotFound):
		return http.StatusNotFound, types.CodeDeviceNotFound
	case errors.Is(err, storage.ErrConnectionNotFound):
		return http.StatusNotFound, types.CodeNotFound
	case errors.As(err, &dep), errors.As(err, &wf):
		return http.StatusBadGateway, types.CodeWorkflowFailed
	default:
		// Device lookups are the only errors returned unwrapped.
		return http.StatusInternalServerError, types.CodeDeviceLookupFail
	}
}
