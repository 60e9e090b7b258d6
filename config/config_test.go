package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "postgres", cfg.Dispatch.StoreBackend)
	require.Equal(t, 10*time.Minute, cfg.Dispatch.ReservationTTL)
	require.Equal(t, 30*time.Second, cfg.Dispatch.SweepInterval)
	require.Equal(t, 10*time.Minute, cfg.Dispatch.TelemetryStaleAfter)
	require.InDelta(t, 0.7, cfg.Dispatch.CriticalDistanceWeight, 1e-9)
	require.InDelta(t, 0.3, cfg.Dispatch.DefaultDistanceWeight, 1e-9)
	require.Equal(t, 5, cfg.Dispatch.AmbulanceRetryAttempts)

	require.Equal(t, "0.0.0.0:8080", cfg.Server.ServerAddr())
	require.Contains(t, cfg.Postgres.DSN(), "sslmode=disable")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_STORE_BACKEND", "memory")
	t.Setenv("DISPATCH_RESERVATION_TTL", "3m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Dispatch.StoreBackend)
	require.Equal(t, 3*time.Minute, cfg.Dispatch.ReservationTTL)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("DISPATCH_STORE_BACKEND", "sqlite")
	_, err := Load()
	require.Error(t, err)
}
