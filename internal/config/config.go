// Package config loads pipeline configuration from environment variables,
// an optional YAML file, and CLI overrides (highest precedence).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full runtime configuration for a pipeline run.
type Config struct {
	// Workspace is the root for the queue, leases and results. Either a
	// local directory or a gs://bucket/prefix URI.
	Workspace string `yaml:"workspace"`

	Workers          int      `yaml:"workers"`
	PagesPerDocument int      `yaml:"pages_per_document"`
	BatchSize        int      `yaml:"batch_size"`
	Visibility       Duration `yaml:"visibility"`
	MaxBatchAttempts int      `yaml:"max_batch_attempts"`
	MaxPageRetries   int      `yaml:"max_page_retries"`
	MaxPageErrorRate float64  `yaml:"max_page_error_rate"`
	TargetImageDim   int      `yaml:"target_image_dim"`
	MaxTokens        int      `yaml:"max_tokens"`
	ModelMaxContext  int      `yaml:"model_max_context"`
	Markdown         bool     `yaml:"markdown"`
	FallbackPartial  bool     `yaml:"fallback_partial"`

	Inference InferenceConfig `yaml:"inference"`
	Backend   BackendConfig   `yaml:"backend"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// InferenceConfig selects the model endpoint.
type InferenceConfig struct {
	// BaseURL of an externally managed OpenAI-compatible endpoint. Leave
	// empty to have the pipeline start and supervise its own backend.
	BaseURL        string   `yaml:"base_url"`
	Model          string   `yaml:"model"`
	MaxInFlight    int      `yaml:"max_in_flight"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// BackendConfig configures the self-managed backend, used only when
// Inference.BaseURL is empty.
type BackendConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	Port         int      `yaml:"port"`
	MaxRestarts  int      `yaml:"max_restarts"`
	ReadyTimeout Duration `yaml:"ready_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP listener
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// Default returns the configuration seeded from environment variables.
// A .env file in the working directory is loaded first if present.
func Default() *Config {
	_ = godotenv.Load()

	return &Config{
		Workspace:        GetEnv("OCRFLOW_WORKSPACE", ""),
		Workers:          getEnvInt("OCRFLOW_WORKERS", 4),
		PagesPerDocument: getEnvInt("OCRFLOW_PAGE_CONCURRENCY", 8),
		BatchSize:        getEnvInt("OCRFLOW_BATCH_SIZE", 20),
		Visibility:       Duration(30 * time.Minute),
		MaxBatchAttempts: 3,
		MaxPageRetries:   getEnvInt("OCRFLOW_MAX_PAGE_RETRIES", 8),
		MaxPageErrorRate: 1.0,
		TargetImageDim:   getEnvInt("OCRFLOW_TARGET_IMAGE_DIM", 1288),
		MaxTokens:        4500,
		ModelMaxContext:  16384,
		Inference: InferenceConfig{
			BaseURL:        GetEnv("OCRFLOW_BASE_URL", ""),
			Model:          GetEnv("OCRFLOW_MODEL", "olmocr"),
			MaxInFlight:    getEnvInt("OCRFLOW_MAX_IN_FLIGHT", 64),
			RequestTimeout: Duration(5 * time.Minute),
		},
		Backend: BackendConfig{
			Command:     GetEnv("OCRFLOW_BACKEND_COMMAND", "vllm"),
			Port:        getEnvInt("OCRFLOW_BACKEND_PORT", 30024),
			MaxRestarts: 10,
		},
		Log: LogConfig{
			Level:  GetEnv("OCRFLOW_LOG_LEVEL", "info"),
			Pretty: false,
		},
		Metrics: MetricsConfig{
			Addr: GetEnv("OCRFLOW_METRICS_ADDR", ""),
		},
	}
}

// Load returns the default config overlaid with a YAML file, if one is given.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants a run depends on.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxPageRetries <= 0 {
		return fmt.Errorf("max page retries must be positive, got %d", c.MaxPageRetries)
	}
	if c.MaxPageErrorRate < 0 || c.MaxPageErrorRate > 1 {
		return fmt.Errorf("max page error rate must be in [0,1], got %f", c.MaxPageErrorRate)
	}
	if c.Inference.Model == "" {
		return fmt.Errorf("inference model is required")
	}
	return nil
}
