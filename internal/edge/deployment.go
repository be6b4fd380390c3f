package edge

import (
	"fmt"
)

// DeploymentStatus is the lifecycle state of an asynchronous deployment.
type DeploymentStatus string

const (
	DeploymentSubmitted DeploymentStatus = "SUBMITTED"
	DeploymentActive    DeploymentStatus = "ACTIVE"
	DeploymentCompleted DeploymentStatus = "COMPLETED"
	DeploymentCanceled  DeploymentStatus = "CANCELED"
	DeploymentFailed    DeploymentStatus = "FAILED"
)

// IsTerminal reports whether polling can stop.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentCompleted, DeploymentCanceled, DeploymentFailed:
		return true
	default:
		return false
	}
}

// DeploymentRequest changes one device's component set. The three sets must be disjoint.
type DeploymentRequest struct {
	TargetArn     string            `json:"targetArn"`
	ToAdd         []string          `json:"componentsToAdd"`
	ToRemove      []string          `json:"componentsToRemove"`
	ToReconfigure map[string]string `json:"componentsToReconfigure"`
	Version       string            `json:"componentVersion,omitempty"`
}

// Validate checks that no component appears in more than one set.
func (r DeploymentRequest) Validate() error {
	if r.TargetArn == "" {
		return fmt.Errorf("deployment target is required")
	}

	seen := make(map[string]string)
	check := func(set, name string) error {
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("component %s is both in %s and %s", name, prev, set)
		}
		seen[name] = set
		return nil
	}

	for _, name := range r.ToAdd {
		if err := check("toAdd", name); err != nil {
			return err
		}
	}
	for _, name := range r.ToRemove {
		if err := check("toRemove", name); err != nil {
			return err
		}
	}
	for name := range r.ToReconfigure {
		if err := check("toReconfigure", name); err != nil {
			return err
		}
	}

	return nil
}
