package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kestrel-run/kestrel/artifact"
	"github.com/kestrel-run/kestrel/kerrors"
	"github.com/kestrel-run/kestrel/metering"
	"github.com/kestrel-run/kestrel/policy"
	"github.com/kestrel-run/kestrel/registry"
	"github.com/kestrel-run/kestrel/runtime"
	"github.com/kestrel-run/kestrel/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*runtime.Runtime, *registry.Registry, *policy.Engine) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Definition{
		ID:      "audit-website",
		Version: "1.0.0",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string"}},
			"required": ["url"]
		}`),
		OutputSchema: json.RawMessage(`{"type": "object"}`),
		RequiredSecrets: []string{"dataforseo"},
		NetworkPolicy:   registry.NetworkPolicy{AllowedDomains: []string{"*"}},
		CostClass:       registry.CostMedium,
		EstimatedCostUSD: 0.10,
		TimeoutMs:       30_000,
	}))

	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)

	pol := policy.New(nil)
	pol.SetPolicy("tenant-1", policy.TierPolicy{
		ReqsPerMinute: 100, ReqsPerHour: 1000, ReqsPerDay: 10000,
		MaxCostPerJobUSD: 10, MaxCostPerDayUSD: 100, MaxCostPerMonthUSD: 1000,
		MaxConcurrentJobs: 5, MaxJobDurationMs: 60_000,
		AllowedTools: []string{"*"},
	})

	met := metering.New(metering.DefaultPriceTable())
	arts := artifact.NewStore(nil, 64*1024)

	rt, err := runtime.New(runtime.Options{
		Registry:  reg,
		Vault:     v,
		Policy:    pol,
		Metering:  met,
		Artifacts: arts,
		Bus:       runtime.NewEventBus(),
		EnvLookup: func(key string) (string, bool) {
			if key == "DATAFORSEO_API_KEY" {
				return "platform-key", true
			}
			return "", false
		},
	})
	require.NoError(t, err)
	return rt, reg, pol
}

func waitForTerminal(t *testing.T, rt *runtime.Runtime, jobID string) runtime.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := rt.GetJob(jobID)
		require.True(t, ok)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return runtime.Job{}
}

func TestExecuteHappyPathWithPlatformKeys(t *testing.T) {
	rt, _, pol := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		secrets := step.Secrets()
		if secrets["dataforseo"] != "platform-key" {
			t.Fatal("expected platform fallback key to be hydrated")
		}
		step.UpdateStep(1, "scan", 1)
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{Tier: string(policy.TierStarter)})
	require.NoError(t, err)

	final := waitForTerminal(t, rt, job.ID)
	assert.Equal(t, runtime.StatusCompleted, final.Status)
	assert.GreaterOrEqual(t, final.ActualCostUSD, 0.0)

	usage := pol.GetUsage("tenant-1")
	assert.Equal(t, 1, usage.DayCount)
	assert.Equal(t, 1, usage.MinuteCount)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.Execute(context.Background(), "tenant-1", "does-not-exist", map[string]any{}, runtime.ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrUnknownWorkflow))
}

func TestExecuteValidationError(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{}, runtime.ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrValidation))
}

func TestExecuteQuotaDenial(t *testing.T) {
	rt, _, pol := newTestRuntime(t)
	pol.SetPolicy("tenant-2", policy.TierPolicy{
		ReqsPerMinute: 100, ReqsPerHour: 1000, ReqsPerDay: 10000,
		MaxCostPerJobUSD: 10, MaxCostPerDayUSD: 2.00, MaxCostPerMonthUSD: 1000,
		MaxConcurrentJobs: 5, MaxJobDurationMs: 60_000,
		AllowedTools: []string{"*"},
	})
	pol.JobStarted("tenant-2")
	pol.JobCompleted("tenant-2", 1.95)

	_, err := rt.Execute(context.Background(), "tenant-2", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.Error(t, err)
	var denied *kerrors.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Greater(t, denied.RetryAfterMs, int64(0))
}

func TestExecuteDryRunNeverInvokesHandlerOrMutatesPolicy(t *testing.T) {
	rt, _, pol := newTestRuntime(t)
	invoked := false
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		invoked = true
		return nil, nil
	})

	before := pol.GetUsage("tenant-1")
	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, job.Status)
	assert.False(t, invoked)

	after := pol.GetUsage("tenant-1")
	assert.Equal(t, before.DayCount, after.DayCount)
}

func TestExecuteMissingSecretsFatalOnlyWithMasterKey(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)
	// "perplexity" has no platform fallback in the test runtime's EnvLookup,
	// so with no stored tenant secret it stays missing.
	require.NoError(t, reg.Register(registry.Definition{
		ID:               "research-website",
		Version:          "1.0.0",
		InputSchema:      json.RawMessage(`{"type": "object"}`),
		OutputSchema:     json.RawMessage(`{"type": "object"}`),
		RequiredSecrets:  []string{"perplexity"},
		NetworkPolicy:    registry.NetworkPolicy{AllowedDomains: []string{"*"}},
		CostClass:        registry.CostMedium,
		EstimatedCostUSD: 0.10,
		TimeoutMs:        30_000,
	}))
	rt.RegisterWorkflow("research-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "research-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{
		MasterKey: make([]byte, 32),
	})
	require.NoError(t, err)
	final := waitForTerminal(t, rt, job.ID)
	assert.Equal(t, runtime.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "missing secrets")
}

func TestExecuteHandlerErrorFailsJob(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		return nil, errors.New("boom")
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)
	final := waitForTerminal(t, rt, job.ID)
	assert.Equal(t, runtime.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "boom")
}

func TestCancelJobMidRun(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	started := make(chan struct{})
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		close(started)
		time.Sleep(500 * time.Millisecond)
		step.Log(runtime.LogInfo, "finished sleeping", nil)
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)

	<-started
	ok := rt.CancelJob(job.ID)
	require.True(t, ok)

	final, found := rt.GetJob(job.ID)
	require.True(t, found)
	assert.Equal(t, runtime.StatusCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)

	// allow the handler goroutine to finish and attempt (and fail) its own
	// terminal transition; status must remain cancelled.
	time.Sleep(700 * time.Millisecond)
	after, _ := rt.GetJob(job.ID)
	assert.Equal(t, runtime.StatusCancelled, after.Status)
}

func TestSwitchMethodOnlyWhileRunning(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	started := make(chan struct{})
	release := make(chan struct{})
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		close(started)
		<-release
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)
	<-started

	ok := rt.SwitchMethod(job.ID, "fallback_sequential", "timeout")
	require.True(t, ok)
	close(release)

	final := waitForTerminal(t, rt, job.ID)
	assert.Equal(t, "fallback_sequential", final.CurrentMethod)

	// once terminal, switching no longer succeeds
	assert.False(t, rt.SwitchMethod(job.ID, "other", "too late"))
}

func TestGetLogsSinceReturnsStrictlyAfter(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		step.Log(runtime.LogInfo, "first", nil)
		step.Log(runtime.LogInfo, "second", nil)
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)
	waitForTerminal(t, rt, job.ID)

	all, ok := rt.GetLogsSince(job.ID, time.Time{})
	require.True(t, ok)
	require.GreaterOrEqual(t, len(all), 2)

	since := all[0].Timestamp
	rest, ok := rt.GetLogsSince(job.ID, since)
	require.True(t, ok)
	for _, e := range rest {
		assert.True(t, e.Timestamp.After(since))
	}
}

func TestListJobsOrdersNewestFirst(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	var jobIDs []string
	for i := 0; i < 3; i++ {
		job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
		waitForTerminal(t, rt, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	jobs := rt.ListJobs("tenant-1", 0)
	require.Len(t, jobs, 3)
	assert.Equal(t, jobIDs[2], jobs[0].ID)
	assert.Equal(t, jobIDs[0], jobs[2].ID)
}

func TestReplayCreatesLineage(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		if idx, isReplay := step.ReplayFromStep(); isReplay {
			step.Log(runtime.LogInfo, "resuming replay", map[string]any{"from_step": idx})
		}
		return map[string]any{"ok": true}, nil
	})

	original, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)
	waitForTerminal(t, rt, original.ID)

	replayed, err := rt.Replay(context.Background(), original.ID, 2, runtime.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, original.ID, replayed.ParentJobID)
	require.NotNil(t, replayed.ReplayFromStep)
	assert.Equal(t, 2, *replayed.ReplayFromStep)

	waitForTerminal(t, rt, replayed.ID)
}

func TestLogBufferBoundedAt500(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		for i := 0; i < 600; i++ {
			step.Log(runtime.LogInfo, "entry", nil)
		}
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)
	waitForTerminal(t, rt, job.ID)

	logs, ok := rt.GetLogsSince(job.ID, time.Time{})
	require.True(t, ok)
	assert.LessOrEqual(t, len(logs), 500)
}

func TestStreamLogsTerminatesOnCompletion(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		step.Log(runtime.LogInfo, "one", nil)
		step.Log(runtime.LogInfo, "two", nil)
		return map[string]any{"ok": true}, nil
	})

	job, err := rt.Execute(context.Background(), "tenant-1", "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []runtime.LogEntry
	for entry := range rt.StreamLogs(ctx, job.ID) {
		seen = append(seen, entry)
	}

	require.NoError(t, ctx.Err())
	assert.GreaterOrEqual(t, len(seen), 2)
}
