// Package runtime schedules pipeline work: a bounded worker pool pulls
// independently retryable tasks from an in-memory queue, with throughput
// backpressure against the platforms' own rate limits. Dispatch is lossy on
// purpose; the relational ledger plus the stale-recovery sweep guarantee
// forward progress, not the queue.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/internal/service"
)

const (
	defaultQueueSize      = 1024
	defaultMaxConcurrency = 10
	maxTaskAttempts       = 12
	taskRequeueDelay      = 5 * time.Second
)

type Config struct {
	// MaxConcurrency caps concurrent task executions per worker process.
	MaxConcurrency int

	// MaxTasksPerSecond throttles task starts across the pool. Zero means
	// unlimited.
	MaxTasksPerSecond int

	// TaskTimeout is the start-to-close timeout of a single task attempt.
	TaskTimeout time.Duration
}

type Deps struct {
	Runs        *service.RunService
	Streams     *service.StreamService
	Webhooks    *service.WebhookService
	Results     *service.ResultService
	Interceptor *MonitoringInterceptor
	Logger      zerolog.Logger
}

// Runtime is the durable-execution layer of the pipeline. Task attempts are
// its own retry layer for transient faults; anything that outlives a process
// is recovered through the ledger by the sweeper.
type Runtime struct {
	workerID string
	cfg      Config

	runs        *service.RunService
	streams     *service.StreamService
	webhooks    *service.WebhookService
	results     *service.ResultService
	interceptor *MonitoringInterceptor
	logger      zerolog.Logger

	queue    chan Task
	throttle <-chan time.Time
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, deps Deps) *Runtime {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}

	var throttle <-chan time.Time
	if cfg.MaxTasksPerSecond > 0 {
		throttle = time.Tick(time.Second / time.Duration(cfg.MaxTasksPerSecond))
	}

	workerID := xid.New().String()

	return &Runtime{
		workerID:    workerID,
		cfg:         cfg,
		runs:        deps.Runs,
		streams:     deps.Streams,
		webhooks:    deps.Webhooks,
		results:     deps.Results,
		interceptor: deps.Interceptor,
		logger:      deps.Logger.With().Str("workerId", workerID).Logger(),
		queue:       make(chan Task, defaultQueueSize),
		throttle:    throttle,
		stopped:     make(chan struct{}),
	}
}

// Start launches the worker pool. It returns immediately; Stop drains it.
func (r *Runtime) Start(ctx context.Context) {
	r.logger.Info().
		Int("maxConcurrency", r.cfg.MaxConcurrency).
		Int("maxTasksPerSecond", r.cfg.MaxTasksPerSecond).
		Msg("starting runtime workers")

	for i := 0; i < r.cfg.MaxConcurrency; i++ {
		r.wg.Add(1)

		go func() {
			defer r.wg.Done()
			r.workerLoop(ctx)
		}()
	}
}

// Stop signals the workers, drains already-queued tasks and waits for
// in-flight work to finish. The queue channel itself stays open so a
// dispatch racing the shutdown can never panic on a closed channel.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})

	r.wg.Wait()
}

func (r *Runtime) DispatchRun(integrationID string, onboarding bool) {
	r.enqueue(Task{Type: TaskType_StartRun, TargetID: integrationID, Onboarding: onboarding})
}

func (r *Runtime) DispatchStream(streamID string) {
	r.enqueue(Task{Type: TaskType_ProcessStream, TargetID: streamID})
}

func (r *Runtime) DispatchWebhook(webhookID string) {
	r.enqueue(Task{Type: TaskType_ProcessWebhook, TargetID: webhookID})
}

func (r *Runtime) DispatchResult(resultID string) {
	r.enqueue(Task{Type: TaskType_ProcessResult, TargetID: resultID})
}

// enqueue never blocks a caller. A full queue drops the task; the dropped
// work stays pending in the ledger and the sweep picks it up.
func (r *Runtime) enqueue(task Task) {
	select {
	case <-r.stopped:
		return
	default:
	}

	select {
	case r.queue <- task:
	default:
		r.logger.Warn().
			Str("taskType", string(task.Type)).
			Str("targetId", task.TargetID).
			Msg("task queue full, dropping task for sweep recovery")
	}
}

func (r *Runtime) workerLoop(ctx context.Context) {
	for {
		select {
		case <-r.stopped:
			r.drain(ctx)
			return
		case task := <-r.queue:
			r.throttleAndRun(ctx, task)
		}
	}
}

// drain finishes whatever was queued before the stop signal.
func (r *Runtime) drain(ctx context.Context) {
	for {
		select {
		case task := <-r.queue:
			r.throttleAndRun(ctx, task)
		default:
			return
		}
	}
}

func (r *Runtime) throttleAndRun(ctx context.Context, task Task) {
	if r.throttle != nil {
		select {
		case <-ctx.Done():
			return
		case <-r.throttle:
		}
	}

	r.runTask(ctx, task)
}

func (r *Runtime) runTask(ctx context.Context, task Task) {
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	err := r.interceptor.Execute(taskCtx, task, func(ctx context.Context) error {
		return r.execute(ctx, task)
	})
	if err == nil {
		return
	}

	r.logger.Error().Err(err).
		Str("taskType", string(task.Type)).
		Str("targetId", task.TargetID).
		Int("attempts", task.Attempts).
		Msg("task attempt failed")

	if task.Attempts+1 >= maxTaskAttempts {
		r.logger.Warn().
			Str("taskType", string(task.Type)).
			Str("targetId", task.TargetID).
			Msg("task attempts exhausted, leaving recovery to the sweep")

		return
	}

	task.Attempts++

	// Requeue after a pause so a flapping dependency does not spin the pool.
	go func(t Task) {
		timer := time.NewTimer(taskRequeueDelay)
		defer timer.Stop()

		select {
		case <-r.stopped:
		case <-timer.C:
			r.enqueue(t)
		}
	}(task)
}

func (r *Runtime) execute(ctx context.Context, task Task) error {
	switch task.Type {
	case TaskType_StartRun:
		_, err := r.runs.StartRun(ctx, task.TargetID, task.Onboarding)
		return err

	case TaskType_ProcessStream:
		return r.streams.ProcessStream(ctx, task.TargetID)

	case TaskType_ProcessWebhook:
		streamID, err := r.webhooks.Materialize(ctx, task.TargetID)
		if err != nil {
			return err
		}

		return r.streams.ProcessWebhookStream(ctx, streamID)

	case TaskType_ProcessResult:
		return r.results.ProcessResult(ctx, task.TargetID)
	}

	r.logger.Error().Str("taskType", string(task.Type)).Msg("unknown task type")

	return nil
}
