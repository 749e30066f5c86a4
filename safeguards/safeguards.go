// Package safeguards provides concurrency control and health gating for
// thin-pool control operations.
//
// The device-mapper control interface accepts one message at a time per
// pool, and hammering it concurrently from several workflows has produced
// stuck D-state processes. The guard serializes operations per pool name,
// leaves unrelated pools fully concurrent, and optionally refuses to start
// an operation when the system looks unhealthy.
package safeguards

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/cmdrun"
)

// OperationGuard serializes control operations per pool.
type OperationGuard struct {
	mu        sync.Mutex
	pools     map[string]*poolSlot
	logger    logrus.FieldLogger
	healthFn  func(context.Context) error
	activeOps int
}

type poolSlot struct {
	sem  chan struct{}
	refs int
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// Logger for slot acquisition logging.
	Logger logrus.FieldLogger
	// HealthCheckFunc, when set, runs after a slot is acquired and before
	// the operation proceeds; a non-nil error releases the slot and refuses
	// the operation.
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a guard with no pools registered; slots are
// created lazily per pool name.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		pools:    make(map[string]*poolSlot),
		logger:   cfg.Logger.WithField("component", "operation-guard"),
		healthFn: cfg.HealthCheckFunc,
	}
}

// WithPool runs fn while holding the named pool's slot. Operations on the
// same pool serialize; operations on different pools do not block each
// other. The slot is released even when fn panics, and the panic is
// converted to an error.
func (g *OperationGuard) WithPool(ctx context.Context, poolName, opName string, fn func() error) error {
	if err := g.acquire(ctx, poolName, opName); err != nil {
		return err
	}
	defer g.release(poolName, opName)

	return recoverable(g.logger, opName, fn)
}

func (g *OperationGuard) acquire(ctx context.Context, poolName, opName string) error {
	g.mu.Lock()
	slot, ok := g.pools[poolName]
	if !ok {
		slot = &poolSlot{sem: make(chan struct{}, 1)}
		g.pools[poolName] = slot
	}
	slot.refs++
	g.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		g.unref(poolName)
		return fmt.Errorf("context cancelled waiting for pool %q slot: %w", poolName, ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	active := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"pool":       poolName,
		"operation":  opName,
		"active_ops": active,
	}).Debug("acquired pool slot")

	if g.healthFn != nil {
		if err := g.healthFn(ctx); err != nil {
			g.release(poolName, opName)
			return fmt.Errorf("health check failed before %s: %w", opName, err)
		}
	}
	return nil
}

func (g *OperationGuard) release(poolName, opName string) {
	g.mu.Lock()
	slot, ok := g.pools[poolName]
	g.activeOps--
	active := g.activeOps
	g.mu.Unlock()
	if !ok {
		return
	}

	<-slot.sem
	g.unref(poolName)

	g.logger.WithFields(logrus.Fields{
		"pool":       poolName,
		"operation":  opName,
		"active_ops": active,
	}).Debug("released pool slot")
}

// unref drops one reference to a pool slot and forgets the slot when nobody
// holds or waits on it, so removed pools do not accumulate forever.
func (g *OperationGuard) unref(poolName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.pools[poolName]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(g.pools, poolName)
	}
}

// ActiveOperations returns the number of in-flight operations across all
// pools.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

func recoverable(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(debug.Stack()),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// HealthChecker inspects pool and kernel state before risky operations.
type HealthChecker struct {
	runner   cmdrun.Runner
	logger   logrus.FieldLogger
	poolName string
}

// NewHealthChecker creates a checker for one pool.
func NewHealthChecker(runner cmdrun.Runner, poolName string, logger logrus.FieldLogger) *HealthChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthChecker{
		runner:   runner,
		logger:   logger.WithField("component", "health-checker"),
		poolName: poolName,
	}
}

// CheckAll runs every health check with a bounded deadline.
func (h *HealthChecker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := h.checkPoolStatus(checkCtx); err != nil {
		return err
	}
	return h.checkKernelLogs(checkCtx)
}

func (h *HealthChecker) checkPoolStatus(ctx context.Context) error {
	output, err := h.runner.CombinedOutput(ctx, "dmsetup", "status", h.poolName)
	if err != nil {
		if strings.Contains(string(output), "Device does not exist") {
			return fmt.Errorf("pool %q does not exist", h.poolName)
		}
		return fmt.Errorf("failed to check pool status: %w", err)
	}

	outputStr := string(output)
	if strings.Contains(outputStr, "needs_check") {
		return fmt.Errorf("pool %q has needs_check flag, metadata corruption suspected", h.poolName)
	}
	if strings.Contains(outputStr, "out_of_data_space") {
		return fmt.Errorf("pool %q is out of data space", h.poolName)
	}
	if strings.Contains(outputStr, "Fail") {
		return fmt.Errorf("pool %q is in failed mode", h.poolName)
	}
	return nil
}

func (h *HealthChecker) checkKernelLogs(ctx context.Context) error {
	output, err := h.runner.Output(ctx, "dmesg", "--time-format=reltime")
	if err != nil {
		// dmesg may be unavailable inside containers; not a health failure.
		return nil
	}

	lines := strings.Split(string(output), "\n")
	start := len(lines) - 50
	if start < 0 {
		start = 0
	}

	criticalPatterns := []string{
		"bug:",
		"kernel panic",
		"out of memory",
		"oom-killer",
	}

	for _, line := range lines[start:] {
		lineLower := strings.ToLower(line)
		for _, pattern := range criticalPatterns {
			if strings.Contains(lineLower, pattern) {
				h.logger.WithField("log_line", line).Error("critical kernel error detected")
				return fmt.Errorf("critical kernel error detected: %s", line)
			}
		}
		if strings.Contains(lineLower, "dm-thin") || strings.Contains(lineLower, "device-mapper: thin") {
			h.logger.WithField("log_line", line).Debug("dm-thin message in kernel log")
		}
	}
	return nil
}
