package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/gateway/config"
	filesrepo "ensemble/internal/gateway/repository/files"
	"ensemble/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	settings, err := config.DefaultSettings()
	require.NoError(t, err)
	return &config.Config{
		Port:                ":0",
		OutputTokenEstimate: 2000,
		NewUserPromotion:    "1.00",
		Settings:            settings,
	}
}

func TestNewInMemory(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.server)
	assert.Empty(t, a.clients)
	assert.NoError(t, a.stores.Close())
}

func TestNewRejectsUnknownModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.Models.DefaultModel = "gpt-0"
	_, err := New(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, "default_model")
}

func TestNewRejectsBadPromotion(t *testing.T) {
	cfg := testConfig(t)
	cfg.NewUserPromotion = "lots"
	_, err := New(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, "NEW_USER_PROMOTION")
}

func TestChooseFilesStoreFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files.Enabled = true
	called := false
	store, err := chooseFilesStore(cfg, nil, "in-memory", nil, logging.Component(logging.Discard(), "t"))
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.False(t, called)

	cfg.Files = config.FilesConfig{Enabled: true, Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}
	_, err = chooseFilesStore(cfg, nil, "in-memory", func() (filesrepo.Store, error) {
		called = true
		return nil, assert.AnError
	}, logging.Component(logging.Discard(), "t"))
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, called)
}
