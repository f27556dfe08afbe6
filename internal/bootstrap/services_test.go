package bootstrap

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumefeed/plume/config"
)

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "sweeper,scheduler"}
	got := GetEnabledServices(cfg)
	// Stable order regardless of input order.
	assert.Equal(t, []string{"scheduler", "sweeper"}, got)

	assert.Empty(t, GetEnabledServices(nil))
	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "bogus"}))
}

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: ""}))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: "reaper"}))
	require.NoError(t, ValidateServiceConfig(&config.AppConfig{Services: "worker"}))
}

func TestNewMetricsSink_DisabledReturnsNil(t *testing.T) {
	logger := slog.Default()
	assert.Nil(t, NewMetricsSink(nil, logger))
	assert.Nil(t, NewMetricsSink(&config.MetricsConfig{Enabled: false}, logger))

	cfg := config.MetricsConfig{Enabled: true, StatsdAddress: " "}
	cfg.Sanitize()
	assert.Nil(t, NewMetricsSink(&cfg, logger))
}

func TestNewPublisher_DryRunWithoutToken(t *testing.T) {
	cfg := config.PublisherConfig{}
	cfg.Sanitize()

	p, err := NewPublisher(&cfg, slog.Default(), nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}
