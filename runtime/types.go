package runtime

import (
	"context"
	"time"
)

// JobStatus is a job's position in its lifecycle state machine.
//
//	pending --> running --+--> completed
//	                      +--> failed
//	                      +--> cancelled
//
// pending->running happens at most once, in the background run after the
// job's secrets are hydrated; a job whose secrets fail to hydrate goes
// straight from pending to failed, and a dry run goes straight from pending
// to completed. Every terminal
// transition is one-shot: once a job reaches completed, failed, or
// cancelled, no further status transition is accepted.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s is one of completed, failed, or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogLevel is the severity of a StepContext.Log call.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one record in a job's bounded ring buffer.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Step      int
	Data      map[string]any
}

// Job is the mutable record the runner owns for one workflow invocation.
// Once Status reaches a terminal value, no field other than appended
// artifacts changes.
type Job struct {
	ID         string
	TenantID   string
	WorkflowID string

	Status JobStatus
	Input  any
	Output any
	Error  string

	CurrentStep int
	TotalSteps  int
	StepName    string

	CurrentMethod string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	EstimatedCostUSD float64
	ActualCostUSD    float64

	ParentJobID    string
	ReplayFromStep *int
}

// Handler is a registered workflow implementation. It receives a StepContext
// and the validated input and returns the workflow's output or an error.
// Handlers are opaque to the runner: the runner does not model them as a
// graph of steps, only as an entry point that reports its own progress via
// StepContext.UpdateStep.
type Handler func(ctx context.Context, step StepContext, input any) (any, error)

// WorkflowRegistration pairs a Handler with the workflow ID under which its
// registry.Definition (schemas, cost class, network policy) is registered.
type WorkflowRegistration struct {
	ID      string
	Handler Handler
}

// ExecuteOptions configures one Execute call.
type ExecuteOptions struct {
	// MasterKey, if set, is used to hydrate secrets directly. Mutually
	// exclusive in practice with SessionToken (MasterKey wins if both set).
	MasterKey []byte
	// SessionToken unlocks the vault via a prior CreateSession call.
	SessionToken string
	// DryRun validates input and admission but never invokes the handler.
	DryRun bool
	// ParentJobID and ReplayFromStep are set internally by Replay.
	ParentJobID    string
	ReplayFromStep *int
	// Tier selects the tenant's policy tier for this invocation.
	Tier string
}

// StepContext is the contract handlers are invoked with. It exposes
// identity, a decrypted secrets snapshot, structured logging that also
// populates the artifact trail, progress reporting, and a metering
// shortcut.
type StepContext interface {
	context.Context

	JobID() string
	TenantID() string
	WorkflowID() string
	StepIndex() int
	StepName() string

	// Secrets returns an immutable snapshot of provider -> plaintext.
	Secrets() map[string]string

	// Log appends an entry to the job's ring buffer and, unless level is
	// debug and verbose artifacts are disabled, also captures a log
	// artifact.
	Log(level LogLevel, message string, data map[string]any)

	// UpdateStep advances the visible progress counter. totalSteps <= 0
	// leaves the previously reported total unchanged.
	UpdateStep(stepIndex int, stepName string, totalSteps int)

	// RecordAPICall is a shortcut to the metering tracker for handler-driven
	// outbound calls.
	RecordAPICall(provider, operation string, quantity float64, unit string, startedAt, completedAt time.Time)

	// MethodSwitches returns the channel the runner sends switch-method
	// requests on. Handlers that want to react to a mid-flight method
	// switch drain this channel at their own cadence; the runner never
	// interrupts the handler directly.
	MethodSwitches() <-chan MethodSwitch

	// ReplayFromStep returns the step index a replaying job should resume
	// from, and whether this job is a replay at all.
	ReplayFromStep() (int, bool)
}

// MethodSwitch is sent on a job's method-switch channel when SwitchMethod
// is called while the job is running.
type MethodSwitch struct {
	Method string
	Reason string
}
