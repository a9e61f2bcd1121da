// Package monitor runs the agent's periodic tasks. Each task owns its ticker and cancellation,
// so a slow or failing task never delays or stops another.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/otel"
)

// Task is one periodically scheduled unit of work
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner starts tasks on independent tickers and joins them on Stop
type Runner struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	tasks   []Task
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner; m may be nil
func NewRunner(m *metrics.Metrics) *Runner {
	return &Runner{
		metrics: m,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Add registers a task. Tasks added after Start are started immediately by the next Start call.
func (r *Runner) Add(t Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
}

// Start launches every registered task that is not already running. Each task runs one cycle
// immediately and then once per interval until ctx is done or the task is stopped.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if _, running := r.cancels[t.Name]; running {
			continue
		}
		if t.Interval <= 0 {
			logrus.WithField("task", t.Name).Warn("Task has no interval, not starting")
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		r.cancels[t.Name] = cancel
		r.wg.Add(1)
		go r.loop(taskCtx, t)
	}
}

// StopTask cancels a single task without waiting for it
func (r *Runner) StopTask(name string) {
	r.mu.Lock()
	cancel, ok := r.cancels[name]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels all tasks and waits for their current cycles to return
func (r *Runner) Stop() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()

	logrus.WithFields(logrus.Fields{
		"task":     t.Name,
		"interval": t.Interval.String(),
	}).Info("Starting periodic task")

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	r.cycle(ctx, t)
	for {
		select {
		case <-ctx.Done():
			logrus.WithField("task", t.Name).Info("Periodic task stopped")
			return
		case <-ticker.C:
			r.cycle(ctx, t)
		}
	}
}

// cycle runs one iteration, converting a panic into an error so the loop survives
func (r *Runner) cycle(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	ctx, span := otel.StartSpan(ctx, "task."+t.Name, attribute.String("task", t.Name))
	defer span.End()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return t.Run(ctx)
	}()

	outcome := "success"
	if err != nil {
		outcome = "error"
		otel.RecordError(ctx, err)
		logrus.WithError(err).WithField("task", t.Name).Warn("Periodic task cycle failed")
	}
	r.metrics.ObserveCycle(t.Name, outcome, time.Since(start))
}
