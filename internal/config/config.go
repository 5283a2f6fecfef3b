// Package config provides bullpend configuration from environment variables
// and flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Provider names accepted by the BULLPEN_PROVIDER override.
const (
	ProviderMorph  = "morph"
	ProviderPveLxc = "pve-lxc"
	ProviderPveVM  = "pve-vm"
)

// Config holds bullpend configuration. Values come from flags, env vars, or
// defaults, in that priority order.
type Config struct {
	// Addr is the HTTP listen address (env: BULLPEN_ADDR).
	Addr string

	// Provider overrides provider selection for new sandboxes
	// (env: BULLPEN_PROVIDER). One of morph, pve-lxc, pve-vm. Unknown values
	// are logged and ignored; pve-vm currently routes to pve-lxc handling.
	Provider string

	// DatabaseURL is the Postgres DSN for the metadata store
	// (env: BULLPEN_DATABASE_URL).
	DatabaseURL string

	// RedisAddr is the Redis host:port for wake locks (env: BULLPEN_REDIS_ADDR).
	// Empty disables distributed locking; wakes then rely on provider
	// idempotency alone.
	RedisAddr string

	// SnapshotManifest is the path to the TOML snapshot-defaults manifest
	// (env: BULLPEN_SNAPSHOT_MANIFEST). Empty uses compiled-in defaults.
	SnapshotManifest string

	// MorphAPIKey authenticates against the Morph cloud API (env: MORPH_API_KEY).
	MorphAPIKey string

	// MorphBaseURL overrides the Morph API base URL (env: MORPH_BASE_URL).
	MorphBaseURL string

	// MorphSSHHost is the Morph SSH proxy host used to build ssh commands
	// (env: MORPH_SSH_HOST).
	MorphSSHHost string

	// PVEAPIURL is the Proxmox API base, e.g. https://pve.example.com:8006/api2/json
	// (env: PVE_API_URL).
	PVEAPIURL string

	// PVEAPIToken is the Proxmox API token in user@realm!name=uuid form
	// (env: PVE_API_TOKEN).
	PVEAPIToken string

	// PVENode pins operations to one Proxmox node (env: PVE_NODE).
	// Empty picks the first node reported by the cluster.
	PVENode string

	// PVEPublicDomain is the wildcard domain fronting LXC service ports
	// (env: PVE_PUBLIC_DOMAIN).
	PVEPublicDomain string

	// PVEVerifyTLS controls certificate verification against the Proxmox API
	// (env: PVE_VERIFY_TLS). Default true.
	PVEVerifyTLS bool

	// GitHubAppID is the GitHub App used to mint installation tokens
	// (env: GITHUB_APP_ID).
	GitHubAppID int64

	// GitHubAppPrivateKey is the PEM-encoded App private key
	// (env: GITHUB_APP_PRIVATE_KEY).
	GitHubAppPrivateKey string

	// VaultURL is the base URL of the secret vault REST service (env: VAULT_URL).
	VaultURL string

	// VaultServiceKey authenticates vault requests (env: VAULT_SERVICE_KEY).
	VaultServiceKey string

	// TaskRunJWTSecret signs default task-run JWTs when a caller omits one
	// (env: CMUX_TASK_RUN_JWT_SECRET). Empty disables minting.
	TaskRunJWTSecret string

	// StartTimeout bounds one sandbox start pipeline (env: START_TIMEOUT).
	// Default: 10m.
	StartTimeout time.Duration

	// LogLevel controls log verbosity: debug, info, warn, error (env: LOG_LEVEL).
	LogLevel string

	// Dev switches logging to console encoding (env: BULLPEN_DEV).
	Dev bool
}

// FromEnv builds a Config from environment variables with defaults applied.
// Callers bind flags over the returned struct so flags win.
func FromEnv() *Config {
	return &Config{
		Addr:                envOr("BULLPEN_ADDR", ":8080"),
		Provider:            os.Getenv("BULLPEN_PROVIDER"),
		DatabaseURL:         os.Getenv("BULLPEN_DATABASE_URL"),
		RedisAddr:           os.Getenv("BULLPEN_REDIS_ADDR"),
		SnapshotManifest:    os.Getenv("BULLPEN_SNAPSHOT_MANIFEST"),
		MorphAPIKey:         os.Getenv("MORPH_API_KEY"),
		MorphBaseURL:        envOr("MORPH_BASE_URL", "https://cloud.morph.so/api"),
		MorphSSHHost:        envOr("MORPH_SSH_HOST", "ssh.cloud.morph.so"),
		PVEAPIURL:           os.Getenv("PVE_API_URL"),
		PVEAPIToken:         os.Getenv("PVE_API_TOKEN"),
		PVENode:             os.Getenv("PVE_NODE"),
		PVEPublicDomain:     os.Getenv("PVE_PUBLIC_DOMAIN"),
		PVEVerifyTLS:        envBoolOr("PVE_VERIFY_TLS", true),
		GitHubAppID:         envInt64Or("GITHUB_APP_ID", 0),
		GitHubAppPrivateKey: os.Getenv("GITHUB_APP_PRIVATE_KEY"),
		VaultURL:            os.Getenv("VAULT_URL"),
		VaultServiceKey:     os.Getenv("VAULT_SERVICE_KEY"),
		TaskRunJWTSecret:    os.Getenv("CMUX_TASK_RUN_JWT_SECRET"),
		StartTimeout:        envDurationOr("START_TIMEOUT", 10*time.Minute),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		Dev:                 envBoolOr("BULLPEN_DEV", false),
	}
}

// HasMorph reports whether Morph credentials are configured.
func (c *Config) HasMorph() bool { return c.MorphAPIKey != "" }

// HasPve reports whether the Proxmox API is configured.
func (c *Config) HasPve() bool { return c.PVEAPIURL != "" && c.PVEAPIToken != "" }

// Validate checks for configuration combinations that cannot serve requests.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("BULLPEN_DATABASE_URL is required")
	}
	if !c.HasMorph() && !c.HasPve() {
		return fmt.Errorf("no provider configured: set MORPH_API_KEY or PVE_API_URL+PVE_API_TOKEN")
	}
	switch c.Provider {
	case "", ProviderMorph, ProviderPveLxc, ProviderPveVM:
	default:
		// Unknown override is non-fatal; the caller logs and clears it.
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
