// Command demo wires every kestrel package into a single process and runs
// the audit-website happy path from end to end: register a tool, admit a
// request under the starter tier, hydrate its platform-fallback API key,
// execute it, and print the resulting job and its metered cost.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kestrel-run/kestrel/artifact"
	"github.com/kestrel-run/kestrel/config"
	"github.com/kestrel-run/kestrel/metering"
	"github.com/kestrel-run/kestrel/policy"
	"github.com/kestrel-run/kestrel/registry"
	"github.com/kestrel-run/kestrel/runtime"
	"github.com/kestrel-run/kestrel/telemetry"
	"github.com/kestrel-run/kestrel/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logging, metrics, and tracing are Clue/OTEL-backed, matching the
	// teacher's own runtime. The demo installs no provider, so metrics and
	// spans go to OTEL's global no-op implementations; exporting needs an
	// explicit otel.SetMeterProvider/SetTracerProvider call.
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("kestrel/demo")
	tracer := telemetry.NewClueTracer("kestrel/demo")

	reg := registry.New()
	if err := reg.Register(registry.Definition{
		ID:      "audit-website",
		Version: "1.0.0",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string"}},
			"required": ["url"]
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"score": {"type": "number"}}
		}`),
		RequiredSecrets:  []string{"dataforseo"},
		NetworkPolicy:    registry.NetworkPolicy{AllowedDomains: []string{"*.dataforseo.com"}},
		CostClass:        registry.CostMedium,
		EstimatedCostUSD: 0.15,
		TimeoutMs:        30_000,
	}); err != nil {
		return fmt.Errorf("register tool: %w", err)
	}

	v, err := vault.New(cfg.Pepper)
	if err != nil {
		return fmt.Errorf("construct vault: %w", err)
	}

	pol := policy.New(nil)
	met := metering.New(metering.DefaultPriceTable())

	var store *artifact.Store
	switch cfg.ArtifactStorageMode {
	case config.ArtifactStorageFilesystem:
		store = artifact.NewStore(artifact.NewFilesystemStore(cfg.ArtifactStorageDir), cfg.ArtifactInlineThresholdBytes)
	default:
		store = artifact.NewStore(nil, cfg.ArtifactInlineThresholdBytes)
	}

	bus := runtime.NewEventBus()
	unsub, _ := bus.Register(runtime.SubscriberFunc(func(ctx context.Context, event runtime.Event) error {
		logger.Info(ctx, "event", "type", event.Type, "job_id", event.JobID)
		return nil
	}))
	defer unsub.Close()

	rt, err := runtime.New(runtime.Options{
		Registry:        reg,
		Vault:           v,
		Policy:          pol,
		Metering:        met,
		Artifacts:       store,
		Bus:             bus,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
		ArtifactVerbose: cfg.ArtifactVerbose,
	})
	if err != nil {
		return fmt.Errorf("construct runtime: %w", err)
	}

	rt.RegisterWorkflow("audit-website", func(ctx context.Context, step runtime.StepContext, input any) (any, error) {
		step.UpdateStep(1, "fetch_rankings", 2)
		step.Log(runtime.LogInfo, "calling dataforseo", map[string]any{"url": input})
		step.RecordAPICall("dataforseo", "serp_search", 1, "call", time.Now(), time.Now())

		step.UpdateStep(2, "score", 2)
		step.Log(runtime.LogInfo, "scoring complete", nil)
		return map[string]any{"score": 0.87}, nil
	})

	const tenantID = "tenant-demo"
	pol.SetPolicy(tenantID, policy.DefaultTierPolicies()[policy.TierStarter])

	ctx := context.Background()
	job, err := rt.Execute(ctx, tenantID, "audit-website", map[string]any{"url": "https://example.com"}, runtime.ExecuteOptions{
		Tier: string(policy.TierStarter),
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	fmt.Println("job:", job.ID, "status:", job.Status)

	for {
		job, _ = rt.GetJob(job.ID)
		if job.Status.IsTerminal() {
			break
		}
	}

	fmt.Println("final status:", job.Status)
	fmt.Println("output:", job.Output)
	fmt.Println("actual cost usd:", job.ActualCostUSD)
	return nil
}
