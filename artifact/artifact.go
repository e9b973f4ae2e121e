// Package artifact captures execution evidence (logs, screenshots, HTML
// snapshots, request/response bodies, LLM conversations) produced while a
// job runs. Payloads at or under the inline threshold are kept in memory
// alongside the job; larger payloads are written to an ExternalStore.
// Redaction applies configurable regex rules before a payload is captured.
//
// The spec names this component but, unlike the other four, gives it no
// dedicated subsection — this package is new code rather than an
// adaptation, grounded on spec.md's Artifact data model (§3) and on the
// atomic temp-file-then-rename write discipline used by the reference
// encrypted secrets file backend, since both need a crash-safe write to an
// external path.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Type enumerates the kinds of artifact a job can capture.
type Type string

const (
	TypeLog             Type = "log"
	TypeScreenshot       Type = "screenshot"
	TypeHTMLSnapshot     Type = "html_snapshot"
	TypeAPIRequest       Type = "api_request"
	TypeAPIResponse      Type = "api_response"
	TypeLLMConversation  Type = "llm_conversation"
	TypeError            Type = "error"
	TypeOutput           Type = "output"
)

// RedactionRule is a named regex substitution applied to a payload before
// capture. Replacement follows regexp.ReplaceAll semantics ($1 etc. for
// capture groups).
type RedactionRule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRedactionRules returns the canonical PII/secret patterns named in
// the spec's design notes: API keys, emails, phone numbers, SSNs, and
// credit-card numbers. These are configuration, not hardcoded behavior —
// callers may pass a different set to Store.Capture.
func DefaultRedactionRules() []RedactionRule {
	return []RedactionRule{
		{
			Name:        "api_key",
			Pattern:     regexp.MustCompile(`(?i)\b(sk|pk|key)[-_][a-zA-Z0-9]{16,}\b`),
			Replacement: "[REDACTED_API_KEY]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[REDACTED_EMAIL]",
		},
		{
			Name:        "phone",
			Pattern:     regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
			Replacement: "[REDACTED_PHONE]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
			Replacement: "[REDACTED_CARD]",
		},
	}
}

// Redact applies rules to payload in order, returning the redacted bytes
// and whether any rule matched.
func Redact(payload []byte, rules []RedactionRule) ([]byte, bool) {
	out, fired := redactTracked(payload, rules)
	return out, len(fired) > 0
}

// redactTracked applies rules to payload in order, returning the redacted
// bytes and the names of only the rules that individually matched.
func redactTracked(payload []byte, rules []RedactionRule) ([]byte, []string) {
	var fired []string
	out := payload
	for _, rule := range rules {
		next := rule.Pattern.ReplaceAll(out, []byte(rule.Replacement))
		if string(next) != string(out) {
			fired = append(fired, rule.Name)
		}
		out = next
	}
	return out, fired
}

// ExternalHandle references a payload stored outside the in-process store.
type ExternalHandle struct {
	Store string // store identifier, e.g. "filesystem"
	Key   string // store-specific location
}

// Artifact is one captured piece of execution evidence. Exactly one of
// Content or External is populated; Content is used iff SizeBytes is at or
// under the configured inline threshold.
type Artifact struct {
	ID              string
	JobID           string
	StepIndex       int
	StepName        string
	Type            Type
	ContentType     string
	Content         []byte
	External        *ExternalHandle
	SizeBytes       int64
	CreatedAt       time.Time
	Redacted        bool
	RedactionRules  []string
}

// ExternalStore persists payloads that exceed the inline threshold.
type ExternalStore interface {
	// Put writes payload under a store-chosen key and returns a handle to
	// it. Implementations must write atomically (temp file + rename, or
	// equivalent) so a crash mid-write never leaves a corrupt artifact.
	Put(jobID, artifactID string, payload []byte) (ExternalHandle, error)
	// Get reads back a previously stored payload.
	Get(handle ExternalHandle) ([]byte, error)
}

// FilesystemStore writes artifacts under a root directory, one file per
// artifact, named "<jobID>/<artifactID>.bin". Writes go to a ".tmp"
// sibling first and are renamed into place, matching the crash-safety
// discipline of the reference encrypted secrets file backend.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a store rooted at root. The directory is
// created lazily on first write, with 0700 permissions.
func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{root: root}
}

func (s *FilesystemStore) Put(jobID, artifactID string, payload []byte) (ExternalHandle, error) {
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return ExternalHandle{}, fmt.Errorf("artifact: create job dir: %w", err)
	}
	key := filepath.Join(jobID, artifactID+".bin")
	finalPath := filepath.Join(s.root, key)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, payload, 0600); err != nil {
		return ExternalHandle{}, fmt.Errorf("artifact: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return ExternalHandle{}, fmt.Errorf("artifact: rename into place: %w", err)
	}
	return ExternalHandle{Store: "filesystem", Key: key}, nil
}

func (s *FilesystemStore) Get(handle ExternalHandle) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, handle.Key))
}

// Store captures artifacts per job, deciding between inline and external
// storage by size, and applying redaction before capture.
type Store struct {
	external         ExternalStore
	inlineThreshold  int64
	idSeq            uint64

	mu   sync.Mutex
	byJob map[string][]*Artifact
}

// NewStore constructs a Store. external may be nil when only inline storage
// is used (artifacts above the threshold are then an error).
func NewStore(external ExternalStore, inlineThresholdBytes int64) *Store {
	return &Store{
		external:        external,
		inlineThreshold: inlineThresholdBytes,
		byJob:           make(map[string][]*Artifact),
	}
}

// Capture redacts payload with rules, stores it inline or externally
// depending on size, and appends the resulting Artifact to jobID's list.
func (s *Store) Capture(jobID string, stepIndex int, stepName string, kind Type, contentType string, payload []byte, rules []RedactionRule) (*Artifact, error) {
	redactedPayload, firedRules := redactTracked(payload, rules)
	wasRedacted := len(firedRules) > 0

	s.mu.Lock()
	s.idSeq++
	id := fmt.Sprintf("%s-art-%d", jobID, s.idSeq)
	s.mu.Unlock()

	art := &Artifact{
		ID:          id,
		JobID:       jobID,
		StepIndex:   stepIndex,
		StepName:    stepName,
		Type:        kind,
		ContentType: contentType,
		SizeBytes:   int64(len(redactedPayload)),
		CreatedAt:   time.Now(),
		Redacted:    wasRedacted,
	}
	if wasRedacted {
		art.RedactionRules = firedRules
	}

	if art.SizeBytes <= s.inlineThreshold {
		art.Content = redactedPayload
	} else {
		if s.external == nil {
			return nil, fmt.Errorf("artifact: payload of %d bytes exceeds inline threshold and no external store is configured", art.SizeBytes)
		}
		handle, err := s.external.Put(jobID, id, redactedPayload)
		if err != nil {
			return nil, fmt.Errorf("artifact: external store write: %w", err)
		}
		art.External = &handle
	}

	s.mu.Lock()
	s.byJob[jobID] = append(s.byJob[jobID], art)
	s.mu.Unlock()

	return art, nil
}

// List returns jobID's artifacts in capture order.
func (s *Store) List(jobID string) []*Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Artifact, len(s.byJob[jobID]))
	copy(out, s.byJob[jobID])
	return out
}

// ListByType returns jobID's artifacts of the given kind, in capture order.
func (s *Store) ListByType(jobID string, kind Type) []*Artifact {
	all := s.List(jobID)
	out := make([]*Artifact, 0, len(all))
	for _, a := range all {
		if a.Type == kind {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Clear discards jobID's artifact list. Call when the owning job is
// cleared; this does not remove already-written external payloads.
func (s *Store) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byJob, jobID)
}

// Read returns the payload for an artifact, reading from External via the
// configured store if Content is not inline.
func (s *Store) Read(art *Artifact) ([]byte, error) {
	if art.Content != nil {
		return art.Content, nil
	}
	if art.External == nil {
		return nil, fmt.Errorf("artifact: %s has neither inline content nor an external handle", art.ID)
	}
	if s.external == nil {
		return nil, fmt.Errorf("artifact: no external store configured to read %s", art.ID)
	}
	return s.external.Get(*art.External)
}
