// Package lifecycle provides ordered teardown of layered resources.
//
// Thin-provisioning stacks unwind in strict reverse order of construction:
// volume nodes before the pool, the pool before its backing devices. A
// Coordinator records cleanup steps as resources come up and replays them
// last-in-first-out, continuing past individual failures so one stuck step
// cannot strand every resource behind it.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Step is one cleanup action.
type Step func(ctx context.Context) error

// Coordinator accumulates cleanup steps and runs them in reverse.
type Coordinator struct {
	mu     sync.Mutex
	steps  []namedStep
	done   bool
	logger logrus.FieldLogger
}

type namedStep struct {
	label string
	fn    Step
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger logrus.FieldLogger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{logger: logger}
}

// Push registers a cleanup step. Steps run in reverse registration order, so
// each resource pushes its cleanup immediately after it comes up. Pushing
// after Cleanup has run is a programming error and panics.
func (c *Coordinator) Push(label string, fn Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		panic("lifecycle: Push after Cleanup")
	}
	c.steps = append(c.steps, namedStep{label: label, fn: fn})
}

// Len returns the number of pending steps.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

// Cleanup runs all registered steps newest-first. Every step runs even when
// earlier ones fail; failures are logged as they happen and returned joined.
// Cleanup is idempotent: the second call is a no-op returning nil.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	steps := c.steps
	c.steps = nil
	c.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		log := c.logger.WithField("step", step.label)
		log.Info("running cleanup step")
		if err := step.fn(ctx); err != nil {
			log.WithError(err).Error("cleanup step failed, continuing")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
