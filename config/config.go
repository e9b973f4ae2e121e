// Package config loads the environment-driven settings recognized by the
// kestrel core: the vault pepper, artifact storage mode, and the fallback
// provider-key lookup convention. It follows the viper-based loading used
// across the corpus rather than hand-rolled os.Getenv parsing.
package config

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ArtifactStorageMode selects how the artifact store persists captured
// payloads that exceed the inline threshold.
type ArtifactStorageMode string

const (
	ArtifactStorageMemory     ArtifactStorageMode = "memory"
	ArtifactStorageFilesystem ArtifactStorageMode = "filesystem"
	ArtifactStorageExternal   ArtifactStorageMode = "external"
)

// Config holds the process-wide settings read at startup. It is loaded once
// and then passed by value into the packages that need it; nothing here is
// mutated after Load returns.
type Config struct {
	// Pepper is the 32-byte process-wide secret mixed into every tenant's
	// vault salt. There is no default: a missing pepper fails process start.
	Pepper []byte

	// ArtifactStorageMode selects where artifacts above the inline threshold
	// are written.
	ArtifactStorageMode ArtifactStorageMode

	// ArtifactVerbose, when true, causes debug-level StepContext.Log calls to
	// also produce an artifact (normally suppressed).
	ArtifactVerbose bool

	// ArtifactStorageDir is the filesystem root used when ArtifactStorageMode
	// is "filesystem".
	ArtifactStorageDir string

	// ArtifactInlineThresholdBytes is the maximum artifact payload size
	// stored inline; larger payloads go to the configured external store.
	ArtifactInlineThresholdBytes int64
}

// Load reads configuration from the environment via viper, applying the
// KESTREL_ prefix to every key except the provider-key fallback convention
// described in ProviderAPIKey.
func Load() (Config, error) {
	v := newViper()
	v.AutomaticEnv()
	return fromViper(v)
}

// LoadFile reads configuration from path (any format viper supports: YAML,
// JSON, TOML, ...), with environment variables still taking precedence over
// file values for every key. Use WatchFile to pick up edits to path without
// restarting the process.
func LoadFile(path string) (Config, error) {
	v := newViper()
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return fromViper(v)
}

// WatchFile watches path for on-disk changes (the conventional
// atomic-rename-then-write config deployment pattern) and invokes onChange
// with a freshly reloaded Config each time it changes. onChange receives a
// non-nil error instead if the reload fails; the previously loaded Config
// is left in effect by callers in that case. The returned stop function
// closes the underlying watcher; call it to release the watch goroutine.
func WatchFile(path string, onChange func(Config, error)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, loadErr := LoadFile(path)
				onChange(cfg, loadErr)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onChange(Config{}, watchErr)
			}
		}
	}()

	return watcher.Close, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("KESTREL")
	v.SetDefault("artifact_storage_mode", string(ArtifactStorageMemory))
	v.SetDefault("artifact_verbose", false)
	v.SetDefault("artifact_storage_dir", "./artifacts")
	v.SetDefault("artifact_inline_threshold_bytes", int64(32*1024))
	return v
}

func fromViper(v *viper.Viper) (Config, error) {
	pepperB64 := v.GetString("pepper")
	if pepperB64 == "" {
		return Config{}, fmt.Errorf("config: KESTREL_PEPPER is required and must be 32 bytes base64-encoded")
	}
	pepper, err := base64.StdEncoding.DecodeString(pepperB64)
	if err != nil {
		return Config{}, fmt.Errorf("config: KESTREL_PEPPER is not valid base64: %w", err)
	}
	if len(pepper) != 32 {
		return Config{}, fmt.Errorf("config: KESTREL_PEPPER must decode to exactly 32 bytes, got %d", len(pepper))
	}

	mode := ArtifactStorageMode(strings.ToLower(v.GetString("artifact_storage_mode")))
	switch mode {
	case ArtifactStorageMemory, ArtifactStorageFilesystem, ArtifactStorageExternal:
	default:
		return Config{}, fmt.Errorf("config: unrecognized artifact storage mode %q", mode)
	}

	return Config{
		Pepper:                       pepper,
		ArtifactStorageMode:          mode,
		ArtifactVerbose:              v.GetBool("artifact_verbose"),
		ArtifactStorageDir:           v.GetString("artifact_storage_dir"),
		ArtifactInlineThresholdBytes: v.GetInt64("artifact_inline_threshold_bytes"),
	}, nil
}

// ProviderAPIKey returns the conventional environment variable name used as
// a fallback when a tenant has not stored a vault secret for the given
// provider, e.g. "dataforseo" -> "DATAFORSEO_API_KEY".
func ProviderAPIKey(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// EnvLookup abstracts environment access so callers can inject a fake map in
// tests instead of mutating process environment variables.
type EnvLookup func(key string) (string, bool)

// FallbackSecret looks up a platform-provided key for the given provider
// using the ProviderAPIKey convention. It returns ok=false when unset.
func FallbackSecret(lookup EnvLookup, provider string) (string, bool) {
	return lookup(ProviderAPIKey(provider))
}
