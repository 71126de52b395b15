package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// alertAttemptThreshold is the runtime attempt count past which the
// interceptor raises an operator alert.
const alertAttemptThreshold = 10

// MonitoringInterceptor wraps every task execution with count/duration
// telemetry and raises an asynchronous operator alert when a task's attempt
// count looks pathological.
type MonitoringInterceptor struct {
	taskQueue string
	alerter   Alerter
	logger    zerolog.Logger

	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

func NewMonitoringInterceptor(taskQueue string, alerter Alerter, logger zerolog.Logger) (*MonitoringInterceptor, error) {
	meter := otel.Meter("tributary/runtime")

	executions, err := meter.Int64Counter("tributary.task.executions",
		metric.WithDescription("Task executions by type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create execution counter: %w", err)
	}

	duration, err := meter.Float64Histogram("tributary.task.duration",
		metric.WithDescription("Task execution duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &MonitoringInterceptor{
		taskQueue:  taskQueue,
		alerter:    alerter,
		logger:     logger,
		executions: executions,
		duration:   duration,
	}, nil
}

// Execute runs one task through the telemetry envelope.
func (m *MonitoringInterceptor) Execute(ctx context.Context, task Task, execute func(ctx context.Context) error) error {
	if task.Attempts > alertAttemptThreshold {
		// Alert delivery runs detached so a slow or broken alert channel
		// cannot block or fail the task.
		go m.alerter.Alert(context.WithoutCancel(ctx), fmt.Sprintf(
			"task %s for %s reached %d attempts on queue %s",
			task.Type, task.TargetID, task.Attempts, m.taskQueue))
	}

	start := time.Now()
	err := execute(ctx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("task_type", string(task.Type)),
		attribute.String("task_queue", m.taskQueue),
		attribute.String("status", status),
	)

	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)

	return err
}
