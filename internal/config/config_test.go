package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5000, cfg.Ingest.BatchSize)
	assert.Equal(t, 24, cfg.Resolver.GraceHours)
	assert.Equal(t, 7, cfg.Resolver.ApprovalDays)
	assert.Equal(t, 0.85, cfg.Resolver.SoldConfidence)
	assert.Equal(t, 0.95, cfg.Resolver.NotSoldConfidence)
	assert.Equal(t, 0.60, cfg.Resolver.OnApprovalConfidence)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOTSYNC_STORE_DRIVER", "sqlite")
	t.Setenv("LOTSYNC_RESOLVER_GRACE_HOURS", "48")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 48, cfg.Resolver.GraceHours)
}

func TestResolverConfig_Windows(t *testing.T) {
	r := ResolverConfig{GraceHours: 24, ApprovalDays: 7}
	assert.Equal(t, 24*time.Hour, r.GracePeriod())
	assert.Equal(t, 7*24*time.Hour, r.ApprovalWindow())
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
}
