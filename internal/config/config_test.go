package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 8, cfg.MaxPageRetries)
	assert.Equal(t, 1288, cfg.TargetImageDim)
	assert.Equal(t, 1.0, cfg.MaxPageErrorRate)
	assert.Equal(t, 30*time.Minute, cfg.Visibility.Std())
	assert.Equal(t, "olmocr", cfg.Inference.Model)
}

func TestDefault_EnvOverrides(t *testing.T) {
	t.Setenv("OCRFLOW_WORKERS", "12")
	t.Setenv("OCRFLOW_MODEL", "custom-model")
	t.Setenv("OCRFLOW_WORKSPACE", "gs://bucket/run")

	cfg := Default()
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, "custom-model", cfg.Inference.Model)
	assert.Equal(t, "gs://bucket/run", cfg.Workspace)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace: /data/run
workers: 16
visibility: 45m
max_page_error_rate: 0.25
markdown: true
inference:
  base_url: http://gpu-box:30024
  model: olmocr
  request_timeout: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/run", cfg.Workspace)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 45*time.Minute, cfg.Visibility.Std())
	assert.Equal(t, 0.25, cfg.MaxPageErrorRate)
	assert.True(t, cfg.Markdown)
	assert.Equal(t, "http://gpu-box:30024", cfg.Inference.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Inference.RequestTimeout.Std())

	// Untouched fields keep their defaults.
	assert.Equal(t, 8, cfg.MaxPageRetries)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("visibility: sometime\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Workspace = "/data/run"
	require.NoError(t, cfg.Validate())

	cfg.Workspace = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Workspace = "/data/run"
	cfg.MaxPageErrorRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Workspace = "/data/run"
	cfg.Workers = 0
	assert.Error(t, cfg.Validate())
}
