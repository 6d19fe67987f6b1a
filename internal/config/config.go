// Package config loads relay and bridge configuration from the
// environment (optionally via a local .env file), following the
// environment-first configuration convention used throughout the pack's
// small services rather than a flags-only or file-only scheme.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Best-effort: most deployments set real environment variables; a
	// missing .env file is not an error.
	_ = godotenv.Load()
}

// Relay holds every RELAY_*/HOST/PORT setting from SPEC_FULL.md §6.
type Relay struct {
	SharedSecret    string
	DeviceAllowlist []string
	PendingTTL      time.Duration
	PublicURL       string
	Host            string
	Port            int
}

// ErrMissingSharedSecret is returned by LoadRelay when RELAY_SHARED_SECRET
// is unset; the relay cannot authenticate anyone without it.
var ErrMissingSharedSecret = fmt.Errorf("config: RELAY_SHARED_SECRET is required")

// LoadRelay reads relay configuration from the environment.
func LoadRelay() (*Relay, error) {
	secret := strings.TrimSpace(os.Getenv("RELAY_SHARED_SECRET"))
	if secret == "" {
		return nil, ErrMissingSharedSecret
	}

	ttlMs := envInt("RELAY_PENDING_TTL_MS", 20000)
	if ttlMs < 1000 {
		ttlMs = 1000
	}

	host := envString("HOST", "0.0.0.0")
	port := envInt("PORT", 8788)

	return &Relay{
		SharedSecret:    secret,
		DeviceAllowlist: splitList(os.Getenv("RELAY_DEVICE_ALLOWLIST")),
		PendingTTL:      time.Duration(ttlMs) * time.Millisecond,
		PublicURL:       envString("RELAY_PUBLIC_URL", fmt.Sprintf("ws://%s:%d", host, port)),
		Host:            host,
		Port:            port,
	}, nil
}

// Bridge holds the SQUIDRUN_* settings a bridge client dials with.
type Bridge struct {
	DeviceID    string
	RelayURL    string
	RelaySecret string
	CrossDevice bool
}

// LoadBridge reads bridge configuration from the environment.
func LoadBridge() (*Bridge, error) {
	deviceID := strings.TrimSpace(os.Getenv("SQUIDRUN_DEVICE_ID"))
	relayURL := strings.TrimSpace(os.Getenv("SQUIDRUN_RELAY_URL"))
	secret := strings.TrimSpace(os.Getenv("SQUIDRUN_RELAY_SECRET"))

	if deviceID == "" || relayURL == "" || secret == "" {
		return nil, fmt.Errorf("config: SQUIDRUN_DEVICE_ID, SQUIDRUN_RELAY_URL, and SQUIDRUN_RELAY_SECRET are all required")
	}

	return &Bridge{
		DeviceID:    deviceID,
		RelayURL:    relayURL,
		RelaySecret: secret,
		CrossDevice: envBool("SQUIDRUN_CROSS_DEVICE", true),
	}, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
