package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s, err := DefaultSettings()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", s.Models.DefaultBackgroundModel)
	assert.Len(t, s.SystemMessages.BestOf, 1)
	assert.NotEmpty(t, s.SystemMessages.WorkerSelection)
	assert.Empty(t, s.Category.CategorySystemMessage)
	assert.True(t, s.Workflows.Summarise)
	assert.Equal(t, 10, s.Workflows.MaxPages)
	assert.Equal(t, 5, s.Workflows.MaxLoops)
	assert.True(t, s.BetaFeatures.MultiFileProcessingEnabled)
	assert.True(t, s.Optimisation.MessageHistory)
}

func TestParseSettings_OverlaysDefaults(t *testing.T) {
	s, err := DefaultSettings()
	require.NoError(t, err)
	best := s.SystemMessages.BestOf

	raw := []byte(`
system_messages:
  summarisation:
    - first
    - second
  worker_selection: only one
workflows:
  summarise: false
interface:
  ai_colour: true
`)
	require.NoError(t, ParseSettings(raw, &s))
	assert.Equal(t, StringList{"first", "second"}, s.SystemMessages.Summarisation)
	assert.Equal(t, StringList{"only one"}, s.SystemMessages.WorkerSelection)
	assert.Equal(t, best, s.SystemMessages.BestOf, "untouched keys keep defaults")
	assert.False(t, s.Workflows.Summarise)
	assert.Equal(t, 10, s.Workflows.MaxPages)
	assert.True(t, s.Interface.AIColour)
}

func TestParseSettings_RejectsMapForStringList(t *testing.T) {
	var s Settings
	err := ParseSettings([]byte("system_messages:\n  best_of:\n    a: b\n"), &s)
	require.Error(t, err)
}

func TestLoad_FromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflows:\n  max_loops: 3\n"), 0o644))

	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_PROMPT_RETRIES", "5")
	t.Setenv("BACKOFF_INITIAL", "1.5")
	t.Setenv("OPENAI_RPS", "2")
	t.Setenv("FILES_S3_ENDPOINT", "s3.example.com")
	t.Setenv("FILES_S3_ACCESS_KEY", "ak")
	t.Setenv("FILES_S3_SECRET_KEY", "sk")
	t.Setenv("FILES_S3_USE_SSL", "not-a-bool")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1.5, cfg.Retry.BackoffInitial)
	assert.Equal(t, time.Second, cfg.Retry.Unit)
	assert.Equal(t, 2.0, cfg.OpenAI.RPS)
	assert.Equal(t, 2000, cfg.OutputTokenEstimate)
	assert.Equal(t, 3, cfg.Settings.Workflows.MaxLoops)
	assert.True(t, cfg.Files.CanUseS3())
	assert.True(t, cfg.Files.UseSSL)
	assert.Equal(t, "ensemble-files", cfg.Files.Bucket)
}

func TestLoad_LocalFilesDisabledByDefault(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("FILES_S3_ENABLED", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Files.CanUseS3())
	assert.Equal(t, "minio:9000", cfg.Files.Endpoint)
}

func TestLoad_MissingSettingsFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNormalizePort(t *testing.T) {
	assert.Equal(t, ":8080", NormalizePort("8080"))
	assert.Equal(t, ":8080", NormalizePort(":8080"))
	assert.Equal(t, "127.0.0.1:80", NormalizePort("127.0.0.1:80"))
}
