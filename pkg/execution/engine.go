// Package execution runs independent units of work under declarative stage
// profiles. Every unit draws its thread share from one global CPU budget, so
// stages running side by side cannot oversubscribe the machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pvbench/internal/apperr"
	"pvbench/pkg/config"
)

// UnitFailure records a unit that failed after all attempts
type UnitFailure struct {
	Unit     string
	Attempts int
	Err      error
}

// Summary is the outcome of one stage
type Summary struct {
	Stage     string
	Total     int
	Succeeded int
	Failed    []UnitFailure
	Skipped   int
	Elapsed   time.Duration
}

// Err joins the unit failures, or returns nil when every unit that ran succeeded
func (s Summary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(s.Failed))
	for i, f := range s.Failed {
		errs[i] = fmt.Errorf("%s: %w", f.Unit, f.Err)
	}
	return fmt.Errorf("stage %s: %d of %d units failed: %w", s.Stage, len(s.Failed), s.Total, errors.Join(errs...))
}

// Log writes the stage summary and one line per failed unit
func (s Summary) Log(log *zap.Logger) {
	fields := []zap.Field{
		zap.String("stage", s.Stage),
		zap.Int("total", s.Total),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", len(s.Failed)),
		zap.Int("skipped", s.Skipped),
		zap.Duration("elapsed", s.Elapsed),
	}
	if len(s.Failed) == 0 {
		log.Info("stage finished", fields...)
		return
	}
	log.Warn("stage finished with failures", fields...)
	for _, f := range s.Failed {
		log.Warn("failed unit",
			zap.String("stage", s.Stage),
			zap.String("unit", f.Unit),
			zap.Int("attempts", f.Attempts),
			zap.String("code", string(apperr.CodeOf(f.Err))),
			zap.Error(f.Err))
	}
}

// Engine dispatches units of work against a shared CPU budget
type Engine struct {
	budget   *semaphore.Weighted
	capacity int64
	log      *zap.Logger
}

// NewEngine creates an engine with the given number of CPU threads
func NewEngine(cpuBudget int, log *zap.Logger) *Engine {
	if cpuBudget < 1 {
		cpuBudget = 1
	}
	return &Engine{
		budget:   semaphore.NewWeighted(int64(cpuBudget)),
		capacity: int64(cpuBudget),
		log:      log,
	}
}

// Capacity returns the size of the CPU budget
func (e *Engine) Capacity() int {
	return int(e.capacity)
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeOK
	outcomeFailed
	outcomeSkipped
)

type unitResult struct {
	state    outcome
	attempts int
	err      error
}

// Run executes fn once per item under the stage profile. A profile with
// MaxParallel 1 runs the items sequentially in order; otherwise at most
// MaxParallel run at once in no particular order. A failing unit is
// recorded and never stops its siblings. Once ctx is done no further units
// start and the remainder are counted as skipped.
func Run[T any](ctx context.Context, e *Engine, stage string, profile config.StageProfile,
	items []T, name func(T) string, fn func(context.Context, T) error) Summary {

	start := time.Now()
	results := make([]unitResult, len(items))
	log := e.log.With(zap.String("stage", stage))

	var mu sync.Mutex
	done := 0
	report := func(i int, res unitResult) {
		results[i] = res
		if res.state == outcomeSkipped {
			return
		}
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		log.Info("progress",
			zap.String("unit", name(items[i])),
			zap.Bool("ok", res.state == outcomeOK),
			zap.String("complete", fmt.Sprintf("%d/%d", n, len(items))))
	}

	if profile.MaxParallel <= 1 {
		for i, item := range items {
			if ctx.Err() != nil {
				results[i] = unitResult{state: outcomeSkipped}
				continue
			}
			report(i, e.runUnit(ctx, log, profile, name(item), func(c context.Context) error { return fn(c, item) }))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(profile.MaxParallel)
		for i, item := range items {
			if ctx.Err() != nil {
				results[i] = unitResult{state: outcomeSkipped}
				continue
			}
			i, item := i, item
			g.Go(func() error {
				report(i, e.runUnit(ctx, log, profile, name(item), func(c context.Context) error { return fn(c, item) }))
				return nil
			})
		}
		g.Wait()
	}

	s := Summary{Stage: stage, Total: len(items), Elapsed: time.Since(start)}
	for i, r := range results {
		switch r.state {
		case outcomeOK:
			s.Succeeded++
		case outcomeFailed:
			s.Failed = append(s.Failed, UnitFailure{Unit: name(items[i]), Attempts: r.attempts, Err: r.err})
		default:
			s.Skipped++
		}
	}
	return s
}

// runUnit holds the unit's thread share for its whole lifetime, including
// retries, and releases it before returning.
func (e *Engine) runUnit(ctx context.Context, log *zap.Logger, profile config.StageProfile,
	unit string, fn func(context.Context) error) unitResult {

	weight := int64(profile.ThreadsPerUnit)
	if weight < 1 {
		weight = 1
	}
	if weight > e.capacity {
		weight = e.capacity
	}
	if err := e.budget.Acquire(ctx, weight); err != nil {
		return unitResult{state: outcomeSkipped}
	}
	defer e.budget.Release(weight)

	attempts := profile.Retries + 1
	var err error
	for a := 1; a <= attempts; a++ {
		err = e.attempt(ctx, profile.Timeout, fn)
		if err == nil {
			return unitResult{state: outcomeOK, attempts: a}
		}
		if ctx.Err() != nil {
			return unitResult{state: outcomeSkipped, attempts: a, err: err}
		}
		if !apperr.IsTransient(err) || a == attempts {
			return unitResult{state: outcomeFailed, attempts: a, err: err}
		}
		log.Warn("transient failure, retrying",
			zap.String("unit", unit),
			zap.Int("attempt", a),
			zap.Int("maxAttempts", attempts),
			zap.Error(err))
	}
	return unitResult{state: outcomeFailed, attempts: attempts, err: err}
}

func (e *Engine) attempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(uctx)
	if err != nil && errors.Is(uctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !apperr.IsTransient(err) {
		// a unit that overran its budget is worth another attempt
		return &apperr.Error{
			Code:      apperr.CodeToolExecution,
			Message:   fmt.Sprintf("timed out after %s", timeout),
			Cause:     err,
			Transient: true,
		}
	}
	return err
}
