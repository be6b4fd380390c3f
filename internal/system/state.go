package system

import (
	"fmt"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateDegraded
	StateStopping
	StateStopped
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateDegraded:
		return "DEGRADED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// servingStatus is what the gRPC health service reports in a state.
// Only a running orchestrator accepts connection requests.
func (s SystemState) servingStatus() healthpb.HealthCheckResponse_ServingStatus {
	if s == StateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func ValidateTransition(from, to SystemState) error {
	validTransitions := map[SystemState][]SystemState{
		StateInitializing: {StateRunning, StateError, StateStopping},
		StateRunning:      {StateDegraded, StateStopping, StateError},
		StateDegraded:     {StateRunning, StateStopping, StateError},
		StateStopping:     {StateStopped, StateError},
		StateStopped:      {StateInitializing},
		StateError:        {StateInitializing, StateStopping, StateStopped},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
