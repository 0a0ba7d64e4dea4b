// Package dispatch runs the per-volume mask task over a fixed-size worker
// pool and reports the outcome of every index.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"b0masks/internal/logger"
	"b0masks/internal/models"
)

const component = "dispatch"

// Backends
const (
	BackendPool       = "pool"
	BackendErrgroup   = "errgroup"
	BackendSequential = "sequential"
)

var ErrUnknownBackend = errors.New("unknown dispatch backend")

// TaskFunc generates the masks for volume ix of dwi.
type TaskFunc func(ctx context.Context, dwi string, ix int) (models.MaskSet, error)

// Dispatcher runs one task per index with at most Workers in flight.
type Dispatcher struct {
	Workers int
	Backend string

	// FailFast cancels tasks that have not started once any task fails
	FailFast bool

	Logger logger.Logger
}

// New returns a dispatcher with a no-op logger when log is nil.
func New(workers int, backend string, failFast bool, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop{}
	}
	return &Dispatcher{Workers: workers, Backend: backend, FailFast: failFast, Logger: log}
}

// Run executes fn for each index. Results line up with indices regardless
// of completion order. The error is only set for an unusable configuration;
// task failures are reported in the Report.
func (d *Dispatcher) Run(ctx context.Context, dwi string, indices []int, fn TaskFunc) (models.Report, error) {
	report := models.Report{DWI: dwi, Results: make([]models.TaskResult, len(indices))}
	if d.Workers < 1 {
		return report, fmt.Errorf("worker count must be at least 1, got %d", d.Workers)
	}

	backend := strings.ToLower(d.Backend)
	if backend == "" {
		backend = BackendPool
	}

	d.log().Info(component, "dispatching b0 volumes", map[string]interface{}{
		"dwi":     dwi,
		"indices": indices,
		"workers": d.Workers,
		"backend": backend,
	})
	start := time.Now()

	switch backend {
	case BackendPool:
		d.runPool(ctx, dwi, indices, fn, report.Results)
	case BackendErrgroup:
		d.runErrgroup(ctx, dwi, indices, fn, report.Results)
	case BackendSequential:
		d.runSequential(ctx, dwi, indices, fn, report.Results)
	default:
		return report, fmt.Errorf("%w: %q", ErrUnknownBackend, d.Backend)
	}

	d.log().Info(component, "dispatch finished", map[string]interface{}{
		"tasks":   len(indices),
		"failed":  len(report.Failed()),
		"elapsed": time.Since(start),
	})
	return report, nil
}

// runPool feeds positions to a fixed set of goroutines over a channel.
func (d *Dispatcher) runPool(ctx context.Context, dwi string, indices []int, fn TaskFunc, results []models.TaskResult) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < d.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				results[pos] = d.runTask(ctx, dwi, indices[pos], fn)
				if d.FailFast && !results[pos].OK() {
					cancel()
				}
			}
		}()
	}

	for pos := range indices {
		jobs <- pos
	}
	close(jobs)
	wg.Wait()
}

// runErrgroup bounds concurrency with errgroup.SetLimit. A failing task only
// cancels the group in fail-fast mode.
func (d *Dispatcher) runErrgroup(ctx context.Context, dwi string, indices []int, fn TaskFunc, results []models.TaskResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Workers)

	for pos := range indices {
		pos := pos
		g.Go(func() error {
			results[pos] = d.runTask(gctx, dwi, indices[pos], fn)
			if d.FailFast && !results[pos].OK() {
				return results[pos].Err
			}
			return nil
		})
	}
	// task errors already live in results
	_ = g.Wait()
}

func (d *Dispatcher) runSequential(ctx context.Context, dwi string, indices []int, fn TaskFunc, results []models.TaskResult) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for pos, ix := range indices {
		results[pos] = d.runTask(ctx, dwi, ix, fn)
		if d.FailFast && !results[pos].OK() {
			cancel()
		}
	}
}

// runTask runs fn once and converts its outcome, including a panic, into a
// TaskResult.
func (d *Dispatcher) runTask(ctx context.Context, dwi string, ix int, fn TaskFunc) (res models.TaskResult) {
	res = models.TaskResult{ID: uuid.New(), Index: ix}
	start := time.Now()
	fields := map[string]interface{}{"index": ix, "task": res.ID}

	defer func() {
		if p := recover(); p != nil {
			res.Err = &models.TaskError{Kind: models.KindInternal, Err: fmt.Errorf("panic: %v", p)}
		}
		res.Elapsed = time.Since(start)
		res.Kind = kindOf(res.Err)
		fields["elapsed"] = res.Elapsed
		if res.Err != nil {
			fields["kind"] = res.Kind
			d.log().Error(component, res.Err, fields)
			return
		}
		d.log().Info(component, "masks written", fields)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = &models.TaskError{Kind: models.KindCanceled, Err: err}
		return res
	}

	d.log().Debug(component, "task started", fields)
	res.Masks, res.Err = fn(ctx, dwi, ix)
	return res
}

func kindOf(err error) models.FailureKind {
	kind := models.Classify(err)
	if kind == models.KindInternal && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return models.KindCanceled
	}
	return kind
}

func (d *Dispatcher) log() logger.Logger {
	if d.Logger == nil {
		return logger.Nop{}
	}
	return d.Logger
}
