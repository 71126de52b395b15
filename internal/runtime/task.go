package runtime

type TaskType string

const (
	TaskType_StartRun       TaskType = "run-start"
	TaskType_ProcessStream  TaskType = "stream-process"
	TaskType_ProcessWebhook TaskType = "webhook-process"
	TaskType_ProcessResult  TaskType = "result-process"
)

// Task is one independently retryable unit of execution. Attempts counts
// runtime-level attempts only; cross-crash recovery is the stream row's
// retries column, which tasks never touch.
type Task struct {
	Type     TaskType
	TargetID string

	// Onboarding only applies to run-start tasks.
	Onboarding bool

	Attempts int
}
