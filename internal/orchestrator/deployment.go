package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

// runDeployment submits a deployment to the device and polls it at a constant
// interval until it reaches a terminal state. CANCELED and FAILED surface as
// *DeploymentError. There is no client-side deadline; only ctx stops polling.
func (o *Orchestrator) runDeployment(ctx context.Context, device *types.Device, req edge.DeploymentRequest) error {
	req.TargetArn = device.EdgeThingArn
	if req.Version == "" {
		req.Version = o.cfg.ComponentVersion
	}

	deploymentID, err := o.components.SubmitDeployment(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to submit deployment: %w", err)
	}

	logger := o.logger.With(
		zap.String("deployment_id", deploymentID),
		zap.String("device", device.DeviceName))
	logger.Info("Waiting for deployment")

	started := time.Now()
	for {
		if err := sleep(ctx, o.cfg.PollInterval); err != nil {
			return fmt.Errorf("deployment %s: %w", deploymentID, err)
		}

		status, err := o.components.GetDeploymentStatus(ctx, deploymentID)
		if err != nil {
			return fmt.Errorf("failed to get deployment status: %w", err)
		}
		o.instruments.DeploymentPolled(string(status))

		switch status {
		case edge.DeploymentCompleted:
			logger.Info("Deployment completed", zap.Duration("elapsed", time.Since(started)))
			return nil

		case edge.DeploymentCanceled, edge.DeploymentFailed:
			logger.Warn("Deployment ended unsuccessfully", zap.String("status", string(status)))
			return &DeploymentError{DeploymentID: deploymentID, Status: status}

		default:
			logger.Debug("Deployment in progress", zap.String("status", string(status)))
		}
	}
}

// settle waits after a completed deployment so freshly deployed components
// are running before the device is told to start or stop.
func (o *Orchestrator) settle(ctx context.Context) error {
	return sleep(ctx, o.cfg.SettleTime)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
