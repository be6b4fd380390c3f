package orchestrator

import (
	"context"

	"go.uber.org/zap"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// rollback is the compensation stack of one workflow run. A compensation is
// pushed before its step is attempted, since a failed call may still leave
// partial state behind; every compensation is safe to run when its step had
// no effect.
type rollback struct {
	steps  []compensation
	logger *zap.Logger
}

func newRollback(logger *zap.Logger) *rollback {
	return &rollback{logger: logger}
}

func (r *rollback) push(name string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, compensation{name: name, fn: fn})
}

// run unwinds the stack in reverse order. Failed compensations are logged and
// skipped; they never replace the error that triggered the rollback.
func (r *rollback) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.fn(ctx); err != nil {
			r.logger.Error("Compensation failed",
				zap.String("step", step.name),
				zap.Error(err))
			continue
		}
		r.logger.Debug("Compensation applied", zap.String("step", step.name))
	}

	r.steps = nil
}
