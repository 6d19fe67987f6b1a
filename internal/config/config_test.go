package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadRelayRequiresSharedSecret(t *testing.T) {
	t.Setenv("RELAY_SHARED_SECRET", "")
	_, err := LoadRelay()
	require.ErrorIs(t, err, ErrMissingSharedSecret)
}

func TestLoadRelayDefaults(t *testing.T) {
	t.Setenv("RELAY_SHARED_SECRET", "s3cr3t")
	t.Setenv("RELAY_DEVICE_ALLOWLIST", "")
	t.Setenv("RELAY_PENDING_TTL_MS", "")
	t.Setenv("RELAY_PUBLIC_URL", "")
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", cfg.SharedSecret)
	require.Equal(t, 20*time.Second, cfg.PendingTTL)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8788, cfg.Port)
	require.Equal(t, "ws://0.0.0.0:8788", cfg.PublicURL)
	require.Empty(t, cfg.DeviceAllowlist)
}

func TestLoadRelayPendingTTLFloor(t *testing.T) {
	t.Setenv("RELAY_SHARED_SECRET", "s3cr3t")
	t.Setenv("RELAY_PENDING_TTL_MS", "10")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.PendingTTL)
}

func TestLoadRelayAllowlistSplitting(t *testing.T) {
	t.Setenv("RELAY_SHARED_SECRET", "s3cr3t")
	t.Setenv("RELAY_DEVICE_ALLOWLIST", "deviceA, deviceB\tdeviceC")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	require.Equal(t, []string{"deviceA", "deviceB", "deviceC"}, cfg.DeviceAllowlist)
}

func TestLoadBridgeRequiresAllThreeVars(t *testing.T) {
	t.Setenv("SQUIDRUN_DEVICE_ID", "")
	t.Setenv("SQUIDRUN_RELAY_URL", "")
	t.Setenv("SQUIDRUN_RELAY_SECRET", "")

	_, err := LoadBridge()
	require.Error(t, err)
}

func TestLoadBridgeSuccess(t *testing.T) {
	t.Setenv("SQUIDRUN_DEVICE_ID", "DEVICE-A")
	t.Setenv("SQUIDRUN_RELAY_URL", "wss://relay.example/ws")
	t.Setenv("SQUIDRUN_RELAY_SECRET", "s3cr3t")
	t.Setenv("SQUIDRUN_CROSS_DEVICE", "")

	cfg, err := LoadBridge()
	require.NoError(t, err)
	require.Equal(t, "DEVICE-A", cfg.DeviceID)
	require.True(t, cfg.CrossDevice)
}
