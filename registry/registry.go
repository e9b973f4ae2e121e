// Package registry is the in-memory catalog of tool (workflow) definitions:
// input/output JSON Schema validation and outbound network-domain matching.
// It is populated at process start and is read-mostly afterward; concurrent
// reads do not contend with each other on the hot path.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kestrel-run/kestrel/kerrors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// CostClass is the coarse pricing band a tool definition declares.
type CostClass string

const (
	CostFree     CostClass = "free"
	CostCheap    CostClass = "cheap"
	CostMedium   CostClass = "medium"
	CostExpensive CostClass = "expensive"
)

// NetworkPolicy restricts which outbound domains a tool's handler may
// contact. AllowedDomains containing "*" means any domain is allowed.
type NetworkPolicy struct {
	AllowedDomains []string
	BlockedDomains []string
	AllowLocalhost bool
}

// RetryPolicy is advisory metadata consulted by handlers, not enforced by
// the runner itself.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffMs      int64
	Multiplier     float64
	RetryableKinds []string
}

// Definition is an immutable tool (workflow) registration. Construct one
// by populating the struct directly before calling Registry.Register; once
// registered it is never mutated.
type Definition struct {
	ID                string
	Version           string
	InputSchema       json.RawMessage
	OutputSchema      json.RawMessage
	RequiredSecrets   []string
	NetworkPolicy     NetworkPolicy
	CostClass         CostClass
	EstimatedCostUSD  float64
	RetryPolicy       RetryPolicy
	TimeoutMs         int64
	Idempotent        bool

	inputValidator  *jsonschema.Schema
	outputValidator *jsonschema.Schema
}

// ValidationResult is returned by ValidateInput/ValidateOutput.
type ValidationResult struct {
	Normalized any
	Err        error
}

// OK reports whether validation succeeded.
func (r ValidationResult) OK() bool { return r.Err == nil }

// Registry is a concurrency-safe map from tool ID to Definition.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register compiles def's schemas and adds it to the catalog. It fails with
// kerrors.ErrDuplicate if the ID is already registered, or a validation error
// if the definition is malformed.
func (r *Registry) Register(def Definition) error {
	if !idPattern.MatchString(def.ID) {
		return kerrors.NewValidationError("id", fmt.Sprintf("tool id %q must match ^[a-z0-9-]+$", def.ID))
	}
	if len(def.InputSchema) == 0 || len(def.OutputSchema) == 0 {
		return kerrors.NewValidationError("schema", "input_schema and output_schema must be non-empty")
	}
	if def.TimeoutMs < 1_000 || def.TimeoutMs > 600_000 {
		return kerrors.NewValidationError("timeout_ms", "timeout_ms must be within [1000, 600000]")
	}
	for _, pattern := range def.NetworkPolicy.AllowedDomains {
		if !isValidDomainPattern(pattern) {
			return kerrors.NewValidationError("network_policy.allowed_domains", fmt.Sprintf("invalid domain pattern %q", pattern))
		}
	}
	for _, pattern := range def.NetworkPolicy.BlockedDomains {
		if !isValidDomainPattern(pattern) {
			return kerrors.NewValidationError("network_policy.blocked_domains", fmt.Sprintf("invalid domain pattern %q", pattern))
		}
	}

	inputValidator, err := compileSchema(def.ID+".input.json", def.InputSchema)
	if err != nil {
		return kerrors.NewValidationError("input_schema", err.Error())
	}
	outputValidator, err := compileSchema(def.ID+".output.json", def.OutputSchema)
	if err != nil {
		return kerrors.NewValidationError("output_schema", err.Error())
	}
	def.inputValidator = inputValidator
	def.outputValidator = outputValidator

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.ID]; exists {
		return fmt.Errorf("%w: tool %q already registered", kerrors.ErrDuplicate, def.ID)
	}
	stored := def
	r.tools[def.ID] = &stored
	return nil
}

// Get returns the definition for id, or ok=false if absent.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[id]
	if !ok {
		return Definition{}, false
	}
	return *def, true
}

// List returns all registered definitions in no particular order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, *def)
	}
	return out
}

// ValidateInput validates value against id's input schema.
func (r *Registry) ValidateInput(id string, value any) ValidationResult {
	return r.validate(id, value, true)
}

// ValidateOutput validates value against id's output schema.
func (r *Registry) ValidateOutput(id string, value any) ValidationResult {
	return r.validate(id, value, false)
}

func (r *Registry) validate(id string, value any, input bool) ValidationResult {
	r.mu.RLock()
	def, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return ValidationResult{Err: fmt.Errorf("%w: %q", kerrors.ErrUnknownWorkflow, id)}
	}
	validator := def.outputValidator
	if input {
		validator = def.inputValidator
	}
	if err := validator.Validate(value); err != nil {
		return ValidationResult{Err: kerrors.NewValidationError("", err.Error())}
	}
	return ValidationResult{Normalized: value}
}

// IsDomainAllowed reports whether def.NetworkPolicy permits an outbound
// request to domain. Blocked patterns win over allowed patterns; localhost
// requires AllowLocalhost even if otherwise matched by "*".
func (r *Registry) IsDomainAllowed(id, domain string) bool {
	def, ok := r.Get(id)
	if !ok {
		return false
	}
	return def.NetworkPolicy.IsDomainAllowed(domain)
}

// IsDomainAllowed implements the matching rule directly against a policy
// value, without a registry lookup.
func (p NetworkPolicy) IsDomainAllowed(domain string) bool {
	domain = strings.ToLower(domain)
	isLocalhost := domain == "localhost" || domain == "127.0.0.1" || domain == "::1"

	for _, pattern := range p.BlockedDomains {
		if matchesDomainPattern(pattern, domain) {
			return false
		}
	}
	if isLocalhost && !p.AllowLocalhost {
		return false
	}
	for _, pattern := range p.AllowedDomains {
		if pattern == "*" {
			return true
		}
	}
	for _, pattern := range p.AllowedDomains {
		if matchesDomainPattern(pattern, domain) {
			return true
		}
	}
	return false
}

func matchesDomainPattern(pattern, domain string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return domain == suffix[1:] || strings.HasSuffix(domain, suffix)
	}
	return pattern == domain
}

func isValidDomainPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return len(pattern) > 2
	}
	return pattern != ""
}

func compileSchema(resourceName string, schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
