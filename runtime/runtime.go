// Package runtime is the Execution Runner: the job lifecycle state machine
// that composes the registry, vault, policy engine, and metering tracker,
// invokes a registered handler, and exposes log streaming, mid-flight
// method switching, cooperative cancellation, and replay.
//
// The construction shape (a single injected-dependency Runtime value, an
// RWMutex-guarded workflow map, an Options struct, noop telemetry
// substitution) follows the reference runtime's own Options/New/Runtime
// pattern; the job lifecycle and admission pipeline are new, grounded in
// spec.md §4.5.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-run/kestrel/artifact"
	"github.com/kestrel-run/kestrel/config"
	"github.com/kestrel-run/kestrel/kerrors"
	"github.com/kestrel-run/kestrel/metering"
	"github.com/kestrel-run/kestrel/policy"
	"github.com/kestrel-run/kestrel/registry"
	"github.com/kestrel-run/kestrel/telemetry"
	"github.com/kestrel-run/kestrel/vault"
	"golang.org/x/time/rate"
)

// Options configures a new Runtime. Registry, Policy, Vault, and Metering
// are required; Artifacts, Bus, Logger, Metrics, and Tracer fall back to
// inert defaults so callers never need to special-case an unconfigured
// extension point.
type Options struct {
	Registry  *registry.Registry
	Vault     *vault.Vault
	Policy    *policy.Engine
	Metering  *metering.Tracker
	Artifacts *artifact.Store
	Bus       *EventBus

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// ArtifactVerbose mirrors config.Config.ArtifactVerbose: when false,
	// debug-level StepContext.Log calls are not mirrored to an artifact.
	ArtifactVerbose bool

	// EnvLookup resolves the platform fallback keys named
	// config.ProviderAPIKey(provider) when a tenant has no stored secret.
	// Defaults to os.LookupEnv semantics via config.FallbackSecret.
	EnvLookup config.EnvLookup

	// Webhook, when set, is invoked fire-and-forget on successful job
	// completion; a panic inside it is recovered and logged, never
	// propagated.
	Webhook func(ctx context.Context, job Job)
}

// Runtime owns the full set of in-flight jobs for a process. The zero value
// is not usable; construct with New.
type Runtime struct {
	registry  *registry.Registry
	vault     *vault.Vault
	policy    *policy.Engine
	metering  *metering.Tracker
	artifacts *artifact.Store
	bus       *EventBus

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	artifactVerbose bool
	envLookup       config.EnvLookup
	webhook         func(ctx context.Context, job Job)

	mu        sync.RWMutex
	workflows map[string]Handler

	jobsMu sync.RWMutex
	jobs   map[string]*jobState
}

// New constructs a Runtime from opts.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil || opts.Vault == nil || opts.Policy == nil || opts.Metering == nil {
		return nil, fmt.Errorf("runtime: Registry, Vault, Policy, and Metering are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	envLookup := opts.EnvLookup
	if envLookup == nil {
		envLookup = osLookupEnv
	}
	return &Runtime{
		registry:        opts.Registry,
		vault:           opts.Vault,
		policy:          opts.Policy,
		metering:        opts.Metering,
		artifacts:       opts.Artifacts,
		bus:             opts.Bus,
		logger:          logger,
		metrics:         metrics,
		tracer:          tracer,
		artifactVerbose: opts.ArtifactVerbose,
		envLookup:       envLookup,
		webhook:         opts.Webhook,
		workflows:       make(map[string]Handler),
		jobs:            make(map[string]*jobState),
	}, nil
}

// RegisterWorkflow attaches handler to the workflow ID previously (or
// subsequently) registered in the Registry. The registry owns schema and
// policy metadata; the Runtime owns only the executable handler.
func (rt *Runtime) RegisterWorkflow(id string, handler Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.workflows[id] = handler
}

type jobState struct {
	mu sync.RWMutex

	job  Job
	logs []LogEntry

	methodSwitchCh chan MethodSwitch
	deadline       time.Time

	replayFromStep *int
}

// transitionToTerminal moves the job to status (with the given mutation
// applied) iff it is not already terminal. It reports whether the
// transition happened.
func (js *jobState) transitionToTerminal(status JobStatus, mutate func(*Job)) bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.job.Status.IsTerminal() {
		return false
	}
	js.job.Status = status
	now := time.Now()
	js.job.CompletedAt = &now
	if mutate != nil {
		mutate(&js.job)
	}
	return true
}

func (js *jobState) snapshot() Job {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.job
}

func (js *jobState) appendLog(entry LogEntry) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.logs = append(js.logs, entry)
	if len(js.logs) > 500 {
		js.logs = js.logs[len(js.logs)-500:]
	}
}

func (js *jobState) logsSince(since time.Time) []LogEntry {
	js.mu.RLock()
	defer js.mu.RUnlock()
	out := make([]LogEntry, 0, len(js.logs))
	for _, e := range js.logs {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out
}

// Execute resolves workflowID, validates input, runs admission control, and
// creates the job record synchronously (steps 1-4 of the execute
// protocol). Unless dryRun is set, the handler then runs in a background
// goroutine; callers observe progress via GetJob, GetLogsSince, or
// StreamLogs. A non-nil error here means no job was created at all.
func (rt *Runtime) Execute(ctx context.Context, tenantID, workflowID string, input any, opts ExecuteOptions) (Job, error) {
	def, ok := rt.registry.Get(workflowID)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", kerrors.ErrUnknownWorkflow, workflowID)
	}

	validation := rt.registry.ValidateInput(workflowID, input)
	if !validation.OK() {
		return Job{}, validation.Err
	}

	tier := policy.Tier(opts.Tier)
	decision := rt.policy.CheckRequest(tenantID, workflowID, def.EstimatedCostUSD, tier)
	if !decision.Allowed {
		return Job{}, policy.NewPolicyDeniedError(decision)
	}

	now := time.Now()
	job := Job{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		WorkflowID:       workflowID,
		Status:           StatusPending,
		Input:            validation.Normalized,
		EstimatedCostUSD: def.EstimatedCostUSD,
		CreatedAt:        now,
		ParentJobID:      opts.ParentJobID,
		ReplayFromStep:   opts.ReplayFromStep,
	}

	js := &jobState{
		job:            job,
		methodSwitchCh: make(chan MethodSwitch, 1),
		replayFromStep: opts.ReplayFromStep,
	}

	rt.jobsMu.Lock()
	rt.jobs[job.ID] = js
	rt.jobsMu.Unlock()

	if opts.DryRun {
		js.transitionToTerminal(StatusCompleted, func(j *Job) {
			j.Output = map[string]any{"dry_run": true, "validated": true}
		})
		return js.snapshot(), nil
	}

	effectiveTimeoutMs := def.TimeoutMs
	if policyPolicy := rt.policy.GetPolicy(tenantID, tier); policyPolicy.MaxJobDurationMs > 0 && policyPolicy.MaxJobDurationMs < effectiveTimeoutMs {
		effectiveTimeoutMs = policyPolicy.MaxJobDurationMs
	}
	js.deadline = now.Add(time.Duration(effectiveTimeoutMs) * time.Millisecond)

	go rt.run(context.WithoutCancel(ctx), js, def, tenantID, workflowID, input, opts)

	return js.snapshot(), nil
}

func (rt *Runtime) run(ctx context.Context, js *jobState, def registry.Definition, tenantID, workflowID string, input any, opts ExecuteOptions) {
	secrets, err := rt.hydrateSecrets(tenantID, workflowID, def.RequiredSecrets, opts)
	if err != nil {
		js.transitionToTerminal(StatusFailed, func(j *Job) { j.Error = err.Error() })
		rt.captureErrorArtifact(js.job.ID, err)
		return
	}

	js.mu.Lock()
	js.job.Status = StatusRunning
	startedAt := time.Now()
	js.job.StartedAt = &startedAt
	js.mu.Unlock()

	rt.policy.JobStarted(tenantID)
	rt.metering.StartJob(js.job.ID, tenantID)
	_ = rt.bus.Publish(ctx, Event{Type: EventJobStarted, JobID: js.job.ID, TenantID: tenantID})

	rt.mu.RLock()
	handler := rt.workflows[workflowID]
	rt.mu.RUnlock()
	if handler == nil {
		rt.finishFailed(js, tenantID, fmt.Errorf("%w: no handler registered for %s", kerrors.ErrUnknownWorkflow, workflowID))
		return
	}

	step := newStepContext(ctx, rt, js, tenantID, workflowID, secrets)

	done := make(chan struct{})
	var output any
	var handlerErr error
	go func() {
		defer close(done)
		output, handlerErr = handler(step, step, input)
	}()

	deadline := js.deadline
	var timer *time.Timer
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		defer timer.Stop()
	}

	if timer != nil {
		select {
		case <-done:
		case <-timer.C:
			rt.finishFailed(js, tenantID, fmt.Errorf("%w: exceeded effective deadline", kerrors.ErrTimeout))
			return
		}
	} else {
		<-done
	}

	if handlerErr != nil {
		rt.finishFailed(js, tenantID, kerrors.NewHandlerError(handlerErr.Error(), handlerErr))
		return
	}

	outputValidation := rt.registry.ValidateOutput(workflowID, output)
	finalOutput := output
	if outputValidation.OK() {
		finalOutput = outputValidation.Normalized
	} else {
		step.Log(LogWarn, "output failed schema validation; completing with raw output", map[string]any{"error": outputValidation.Err.Error()})
	}

	summary := rt.metering.CompleteJob(js.job.ID)
	changed := js.transitionToTerminal(StatusCompleted, func(j *Job) {
		j.Output = finalOutput
		j.ActualCostUSD = summary.TotalCostUSD
	})
	if !changed {
		return
	}
	rt.policy.JobCompleted(tenantID, summary.TotalCostUSD)
	_ = rt.bus.Publish(ctx, Event{Type: EventJobCompleted, JobID: js.job.ID, TenantID: tenantID})
	rt.dispatchWebhook(ctx, js)
}

func (rt *Runtime) finishFailed(js *jobState, tenantID string, err error) {
	summary := rt.metering.CompleteJob(js.job.ID)
	changed := js.transitionToTerminal(StatusFailed, func(j *Job) {
		j.Error = err.Error()
		j.ActualCostUSD = summary.TotalCostUSD
	})
	rt.captureErrorArtifact(js.job.ID, err)
	if !changed {
		return
	}
	rt.policy.JobCompleted(tenantID, summary.TotalCostUSD)
	_ = rt.bus.Publish(context.Background(), Event{Type: EventJobFailed, JobID: js.job.ID, TenantID: tenantID, Payload: err})
}

func (rt *Runtime) captureErrorArtifact(jobID string, err error) {
	if rt.artifacts == nil || err == nil {
		return
	}
	_, _ = rt.artifacts.Capture(jobID, 0, "", artifact.TypeError, "text/plain", []byte(err.Error()), nil)
}

func (rt *Runtime) dispatchWebhook(ctx context.Context, js *jobState) {
	if rt.webhook == nil {
		return
	}
	snapshot := js.snapshot()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				rt.logger.Error(ctx, "webhook dispatch panicked", "job_id", snapshot.ID, "recover", r)
			}
		}()
		rt.webhook(ctx, snapshot)
	}()
}

// hydrateSecrets implements execute-protocol step 6: resolve a master key
// from either MasterKey or SessionToken, then retrieve each required
// secret, falling back to the process-wide environment convention. Missing
// secrets are fatal only when the caller supplied a master key directly.
func (rt *Runtime) hydrateSecrets(tenantID, workflowID string, requiredSecrets []string, opts ExecuteOptions) (map[string]string, error) {
	var masterKey []byte
	suppliedMasterKey := len(opts.MasterKey) > 0

	switch {
	case suppliedMasterKey:
		masterKey = opts.MasterKey
	case opts.SessionToken != "":
		key, err := rt.vault.UnlockWithSession(tenantID, opts.SessionToken)
		if err != nil {
			return nil, err
		}
		masterKey = key
	}

	secrets := make(map[string]string, len(requiredSecrets))
	var missing []string
	for _, provider := range requiredSecrets {
		if len(masterKey) > 0 {
			plaintext, err := rt.vault.Retrieve(tenantID, provider, masterKey, workflowID)
			if err != nil {
				return nil, err
			}
			if plaintext != "" {
				secrets[provider] = plaintext
				continue
			}
		}
		if val, ok := config.FallbackSecret(rt.envLookup, provider); ok {
			secrets[provider] = val
			continue
		}
		missing = append(missing, provider)
	}

	if len(missing) > 0 && suppliedMasterKey {
		return nil, kerrors.NewMissingSecrets(missing)
	}
	return secrets, nil
}

// GetJob returns a snapshot of jobID, or ok=false if unknown.
func (rt *Runtime) GetJob(jobID string) (Job, bool) {
	rt.jobsMu.RLock()
	js, ok := rt.jobs[jobID]
	rt.jobsMu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return js.snapshot(), true
}

// ListJobs returns tenantID's jobs, newest first, capped at limit (0 means
// unlimited).
func (rt *Runtime) ListJobs(tenantID string, limit int) []Job {
	rt.jobsMu.RLock()
	defer rt.jobsMu.RUnlock()
	out := make([]Job, 0)
	for _, js := range rt.jobs {
		snap := js.snapshot()
		if snap.TenantID == tenantID {
			out = append(out, snap)
		}
	}
	sortJobsByCreatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortJobsByCreatedAtDesc(jobs []Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.After(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// CancelJob moves jobID to cancelled if it is not already terminal. This is
// advisory: the handler is not forcibly stopped, it is expected to observe
// cancellation cooperatively. Logs appended by the handler after
// cancellation still append; they do not resurrect the status.
func (rt *Runtime) CancelJob(jobID string) bool {
	rt.jobsMu.RLock()
	js, ok := rt.jobs[jobID]
	rt.jobsMu.RUnlock()
	if !ok {
		return false
	}
	tenantID := js.snapshot().TenantID
	summary := rt.metering.CompleteJob(jobID)
	changed := js.transitionToTerminal(StatusCancelled, func(j *Job) {
		j.ActualCostUSD = summary.TotalCostUSD
	})
	if changed {
		rt.policy.JobCompleted(tenantID, summary.TotalCostUSD)
		_ = rt.bus.Publish(context.Background(), Event{Type: EventJobCancelled, JobID: jobID, TenantID: tenantID})
	}
	return changed
}

// SwitchMethod succeeds only while jobID is running: it records the new
// current method, logs a warning, and notifies the job's method-switch
// channel (non-blocking — a pending unread switch is replaced).
func (rt *Runtime) SwitchMethod(jobID, newMethod, reason string) bool {
	rt.jobsMu.RLock()
	js, ok := rt.jobs[jobID]
	rt.jobsMu.RUnlock()
	if !ok {
		return false
	}

	js.mu.Lock()
	if js.job.Status != StatusRunning {
		js.mu.Unlock()
		return false
	}
	js.job.CurrentMethod = newMethod
	js.mu.Unlock()

	js.appendLog(LogEntry{
		Timestamp: time.Now(),
		Level:     LogWarn,
		Message:   fmt.Sprintf("method switched to %q: %s", newMethod, reason),
	})

	select {
	case js.methodSwitchCh <- MethodSwitch{Method: newMethod, Reason: reason}:
	default:
		select {
		case <-js.methodSwitchCh:
		default:
		}
		js.methodSwitchCh <- MethodSwitch{Method: newMethod, Reason: reason}
	}
	_ = rt.bus.Publish(context.Background(), Event{Type: EventMethodSwitched, JobID: jobID, Payload: MethodSwitch{Method: newMethod, Reason: reason}})
	return true
}

// GetLogsSince returns jobID's log entries strictly after since, in
// insertion order.
func (rt *Runtime) GetLogsSince(jobID string, since time.Time) ([]LogEntry, bool) {
	rt.jobsMu.RLock()
	js, ok := rt.jobs[jobID]
	rt.jobsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return js.logsSince(since), true
}

const streamMaxIterations = 600

// StreamLogs polls GetLogsSince at 1Hz, sending new entries on the returned
// channel, for up to 600 iterations (10 minutes) or until jobID reaches a
// terminal state, whichever comes first. The channel is closed when
// streaming ends. Poll cadence is governed by a token-bucket limiter rather
// than a bare ticker so a slow consumer never causes polls to queue up and
// burst once it catches up.
func (rt *Runtime) StreamLogs(ctx context.Context, jobID string) <-chan LogEntry {
	out := make(chan LogEntry)
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	go func() {
		defer close(out)
		since := time.Time{}

		for i := 0; i < streamMaxIterations; i++ {
			entries, ok := rt.GetLogsSince(jobID, since)
			if !ok {
				return
			}
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				since = e.Timestamp
			}

			job, ok := rt.GetJob(jobID)
			if !ok || job.Status.IsTerminal() {
				return
			}

			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
	}()
	return out
}

// Replay creates a new job with ParentJobID set to jobID and
// ReplayFromStep set to fromStep, then executes it with the original job's
// tenant, workflow, and input. Handlers that honor replay read
// StepContext.ReplayFromStep(); the runner does not enforce it.
func (rt *Runtime) Replay(ctx context.Context, jobID string, fromStep int, opts ExecuteOptions) (Job, error) {
	rt.jobsMu.RLock()
	js, ok := rt.jobs[jobID]
	rt.jobsMu.RUnlock()
	if !ok {
		return Job{}, kerrors.ErrJobNotFound
	}
	original := js.snapshot()

	opts.ParentJobID = original.ID
	opts.ReplayFromStep = &fromStep
	return rt.Execute(ctx, original.TenantID, original.WorkflowID, original.Input, opts)
}

func osLookupEnv(key string) (string, bool) {
	return lookupEnv(key)
}
