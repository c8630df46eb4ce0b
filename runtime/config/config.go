// Package config loads and validates the runtime configuration. Configuration
// is declarative YAML; zero values fall back to defaults so embedders can
// supply only the knobs they care about.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root runtime configuration.
	Config struct {
		// Artifacts configures the in-memory artifact store.
		Artifacts ArtifactConfig `yaml:"artifacts"`
		// Observation configures the redaction clamp.
		Observation ObservationConfig `yaml:"observation"`
		// Dispatch configures the tool dispatcher.
		Dispatch DispatchConfig `yaml:"dispatch"`
		// Planner configures the planner state machine.
		Planner PlannerConfig `yaml:"planner"`
		// Events configures the per-trace event bus.
		Events EventsConfig `yaml:"events"`
		// Pause configures pause record retention.
		Pause PauseConfig `yaml:"pause"`
	}

	// ArtifactConfig bounds the artifact store.
	ArtifactConfig struct {
		// MaxArtifactBytes rejects individual artifacts larger than this size.
		MaxArtifactBytes int `yaml:"max_artifact_bytes"`
		// MaxTotalBytes caps the total stored byte size before eviction runs.
		MaxTotalBytes int64 `yaml:"max_total_bytes"`
		// MaxCount caps the number of stored artifacts before eviction runs.
		MaxCount int `yaml:"max_count"`
		// TTL is the default per-ref time to live. Zero disables expiry.
		TTL time.Duration `yaml:"ttl"`
		// Cleanup selects the eviction strategy: "lru", "fifo", or "none".
		Cleanup string `yaml:"cleanup"`
	}

	// ObservationConfig bounds redacted observations fed back to the model.
	ObservationConfig struct {
		// MaxChars is the serialized size above which an observation must be
		// truncated or converted to an artifact reference.
		MaxChars int `yaml:"max_chars"`
		// AutoArtifactThreshold is the serialized size at or above which the
		// observation is stored as an artifact instead of truncated.
		AutoArtifactThreshold int `yaml:"auto_artifact_threshold"`
		// PreviewChars is the length of the inline preview kept when an
		// observation is converted to an artifact reference.
		PreviewChars int `yaml:"preview_chars"`
	}

	// DispatchConfig bounds tool execution.
	DispatchConfig struct {
		// GlobalParallelism caps concurrently executing tool calls across the
		// whole planner. Per-query planning hints may lower it.
		GlobalParallelism int `yaml:"global_parallelism"`
		// DefaultToolConcurrency is used when a descriptor omits MaxConcurrency.
		DefaultToolConcurrency int `yaml:"default_tool_concurrency"`
		// DefaultTimeout bounds a single tool attempt when the descriptor omits
		// a timeout.
		DefaultTimeout time.Duration `yaml:"default_timeout"`
		// RejectPlaceholders fails tool calls whose arguments still contain
		// template placeholders instead of invoking the tool.
		RejectPlaceholders bool `yaml:"reject_placeholders"`
	}

	// PlannerConfig bounds the reasoning loop.
	PlannerConfig struct {
		// MaxHops is the default step budget per query.
		MaxHops int `yaml:"max_hops"`
		// MaxRevisions caps reflection-driven answer revisions per query.
		MaxRevisions int `yaml:"max_revisions"`
		// ReflectionEnabled turns the reflector on.
		ReflectionEnabled bool `yaml:"reflection_enabled"`
		// WallClock bounds total query execution time. Zero disables it.
		WallClock time.Duration `yaml:"wall_clock"`
	}

	// EventsConfig bounds event fan-out.
	EventsConfig struct {
		// SubscriberBuffer is the per-subscriber bounded buffer size.
		SubscriberBuffer int `yaml:"subscriber_buffer"`
		// RetainedTail is how many events per trace are kept for late
		// subscribers resuming from since_seq.
		RetainedTail int `yaml:"retained_tail"`
	}

	// PauseConfig bounds pause record retention.
	PauseConfig struct {
		// TTL is how long a pause record remains resumable.
		TTL time.Duration `yaml:"ttl"`
	}
)

// Default returns the configuration used when no overrides are supplied.
func Default() Config {
	return Config{
		Artifacts: ArtifactConfig{
			MaxArtifactBytes: 32 << 20,
			MaxTotalBytes:    256 << 20,
			MaxCount:         4096,
			Cleanup:          "lru",
		},
		Observation: ObservationConfig{
			MaxChars:              8192,
			AutoArtifactThreshold: 16384,
			PreviewChars:          512,
		},
		Dispatch: DispatchConfig{
			GlobalParallelism:      50,
			DefaultToolConcurrency: 10,
			DefaultTimeout:         60 * time.Second,
		},
		Planner: PlannerConfig{
			MaxHops:      16,
			MaxRevisions: 1,
		},
		Events: EventsConfig{
			SubscriberBuffer: 256,
			RetainedTail:     2048,
		},
		Pause: PauseConfig{
			TTL: 24 * time.Hour,
		},
	}
}

// Load reads a YAML configuration file and merges it over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes and merges them over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is called by Parse and Load and
// may be called directly on programmatically built configurations.
func (c Config) Validate() error {
	switch c.Artifacts.Cleanup {
	case "lru", "fifo", "none":
	default:
		return fmt.Errorf("config: unknown artifact cleanup strategy %q", c.Artifacts.Cleanup)
	}
	if c.Artifacts.MaxArtifactBytes <= 0 {
		return fmt.Errorf("config: max_artifact_bytes must be positive")
	}
	if c.Observation.MaxChars <= 0 {
		return fmt.Errorf("config: observation max_chars must be positive")
	}
	if c.Observation.AutoArtifactThreshold < c.Observation.MaxChars {
		return fmt.Errorf("config: auto_artifact_threshold must be >= observation max_chars")
	}
	if c.Dispatch.GlobalParallelism <= 0 {
		return fmt.Errorf("config: global_parallelism must be positive")
	}
	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: subscriber_buffer must be positive")
	}
	if c.Planner.MaxHops < 0 {
		return fmt.Errorf("config: max_hops must not be negative")
	}
	return nil
}
