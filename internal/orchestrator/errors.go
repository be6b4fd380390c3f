package orchestrator

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/types"
)

const (
	msgCreateFailed = "An error occurred while creating Greengrass v2 components."
	msgUpdateFailed = "An error occurred while updating Greengrass v2 components."
	msgDeleteFailed = "An error occurred while deleting Greengrass v2 components."
	msgStartFailed  = "An error occurred while starting the connection."
	msgStopFailed   = "An error occurred while stopping the connection."

	msgDeploymentFailed = "The greengrass deployment has been canceled or failed."
)

var workflowMessages = map[types.Control]string{
	types.ControlDeploy: msgCreateFailed,
	types.ControlUpdate: msgUpdateFailed,
	types.ControlDelete: msgDeleteFailed,
	types.ControlStart:  msgStartFailed,
	types.ControlStop:   msgStopFailed,
}

// WorkflowError is raised when a workflow step fails. Its text is the
// workflow-level message; the failing step's error is kept for errors.Is/As
// and logs.
type WorkflowError struct {
	Control        types.Control
	ConnectionName string
	Message        string
	Err            error
}

func (e *WorkflowError) Error() string {
	return e.Message
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// DuplicatedServerNameError rejects an OPC UA server name owned by another connection.
type DuplicatedServerNameError struct {
	ServerName string
	Owner      string
}

func (e *DuplicatedServerNameError) Error() string {
	return fmt.Sprintf("The server name %q is already used by connection %q.", e.ServerName, e.Owner)
}

// DeploymentError reports a deployment that ended CANCELED or FAILED.
type DeploymentError struct {
	DeploymentID string
	Status       edge.DeploymentStatus
}

func (e *DeploymentError) Error() string {
	return msgDeploymentFailed
}

// raised converts a step failure into the error returned to the caller.
// Typed domain errors pass through so the most specific diagnosis survives.
func raised(control types.Control, connectionName string, err error) error {
	var dup *DuplicatedServerNameError
	if errors.As(err, &dup) {
		return dup
	}

	var dep *DeploymentError
	if errors.As(err, &dep) {
		return dep
	}

	return &WorkflowError{
		Control:        control,
		ConnectionName: connectionName,
		Message:        workflowMessages[control],
		Err:            err,
	}
}
