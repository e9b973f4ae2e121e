package runtime

import (
	"context"
	"time"

	"github.com/kestrel-run/kestrel/artifact"
)

// stepContext is the concrete StepContext handed to a running handler. It
// embeds context.Context so handlers can use it directly as a cancellation
// and deadline source, while also exposing the job-identity and
// logging/metering surface.
type stepContext struct {
	context.Context

	rt         *Runtime
	js         *jobState
	tenantID   string
	workflowID string
	secrets    map[string]string
}

func newStepContext(ctx context.Context, rt *Runtime, js *jobState, tenantID, workflowID string, secrets map[string]string) *stepContext {
	return &stepContext{
		Context:    ctx,
		rt:         rt,
		js:         js,
		tenantID:   tenantID,
		workflowID: workflowID,
		secrets:    secrets,
	}
}

func (s *stepContext) JobID() string      { return s.js.job.ID }
func (s *stepContext) TenantID() string   { return s.tenantID }
func (s *stepContext) WorkflowID() string { return s.workflowID }

func (s *stepContext) StepIndex() int {
	s.js.mu.RLock()
	defer s.js.mu.RUnlock()
	return s.js.job.CurrentStep
}

func (s *stepContext) StepName() string {
	s.js.mu.RLock()
	defer s.js.mu.RUnlock()
	return s.js.job.StepName
}

// Secrets returns an immutable snapshot; callers receive a copy so they
// cannot mutate the runtime's view of the job's decrypted credentials.
func (s *stepContext) Secrets() map[string]string {
	out := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		out[k] = v
	}
	return out
}

func (s *stepContext) Log(level LogLevel, message string, data map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Step:      s.StepIndex(),
		Data:      data,
	}
	s.js.appendLog(entry)
	_ = s.rt.bus.Publish(s.Context, Event{Type: EventLogAppended, JobID: s.js.job.ID, TenantID: s.tenantID, Payload: entry})

	if level == LogDebug && !s.rt.artifactVerbose {
		return
	}
	if s.rt.artifacts == nil {
		return
	}
	_, _ = s.rt.artifacts.Capture(s.js.job.ID, s.StepIndex(), s.StepName(), artifact.TypeLog, "text/plain", []byte(message), nil)
}

func (s *stepContext) UpdateStep(stepIndex int, stepName string, totalSteps int) {
	s.js.mu.Lock()
	s.js.job.CurrentStep = stepIndex
	s.js.job.StepName = stepName
	if totalSteps > 0 {
		s.js.job.TotalSteps = totalSteps
	}
	s.js.mu.Unlock()
	_ = s.rt.bus.Publish(s.Context, Event{Type: EventStepUpdated, JobID: s.js.job.ID, TenantID: s.tenantID})
}

func (s *stepContext) RecordAPICall(provider, operation string, quantity float64, unit string, startedAt, completedAt time.Time) {
	s.rt.metering.RecordToolCall(s.js.job.ID, s.tenantID, s.StepIndex(), s.StepName(), s.workflowID, provider, operation, quantity, unit, startedAt, completedAt)
}

func (s *stepContext) MethodSwitches() <-chan MethodSwitch {
	return s.js.methodSwitchCh
}

func (s *stepContext) ReplayFromStep() (int, bool) {
	if s.js.replayFromStep == nil {
		return 0, false
	}
	return *s.js.replayFromStep, true
}
