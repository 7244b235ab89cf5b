// Package config loads engine configuration from environment
// variables, optionally layered over a workspace profile file.
// Environment always wins over the profile.
package config

import (
	"os"
	"strconv"
)

// Environment variables recognized by Load. Blocks that read their
// own gates (OPENAI_API_KEY, SIGNING_KEY, webhook URLs) consult the
// environment directly; this package carries the engine-level knobs.
const (
	EnvEvidenceDir    = "KEIRI_AGENT_EVIDENCE_DIR"
	EnvPolicyDir      = "KEIRI_AGENT_POLICY_DIR"
	EnvPluginDir      = "KEIRI_AGENT_PLUGIN_DIR"
	EnvVaultKey       = "KEIRI_AGENT_VAULT_KEY"
	EnvLogLevel       = "KEIRI_AGENT_LOG_LEVEL"
	EnvPerFileChars   = "KEIRI_AGENT_PER_FILE_CHARS"
	EnvPerTableRows   = "KEIRI_AGENT_PER_TABLE_ROWS"
	EnvLLMTemperature = "KEIRI_AGENT_LLM_TEMPERATURE"
	EnvRedisAddr      = "KEIRI_AGENT_REDIS_ADDR"
	EnvLedgerDSN      = "KEIRI_AGENT_LEDGER_DSN"
	EnvSofficePath    = "LIBREOFFICE_PATH"
)

// Config is the engine configuration after env and profile merging.
type Config struct {
	// EvidenceDir is the vault root. Empty means no vault.
	EvidenceDir string
	// VaultKey is the vault passphrase. Required when EvidenceDir is set.
	VaultKey string
	// PolicyDir holds the policy JSON files.
	PolicyDir string
	// PluginDir holds WASM plugin blocks (<id>/<version>/).
	PluginDir string

	LogLevel    string
	SofficePath string

	// PerFileChars bounds per-file text excerpts; PerTableRows bounds
	// rows taken from one sheet during extraction.
	PerFileChars int
	PerTableRows int

	// LLMTemperature is passed to LLM-backed blocks.
	LLMTemperature float64

	// RedisAddr enables the distributed rate limiter when set.
	RedisAddr string

	// LedgerDSN selects the run-history backend: "", "memory",
	// "sqlite:<path>" or a postgres URL.
	LedgerDSN string

	// Retention, sampling and rate-limit defaults, profile-overridable.
	RetentionDays        int
	ControlRetentionDays int
	SamplingDefaultSize  int
	RateLimitRPS         float64
	RateLimitBurst       int
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	cfg := &Config{
		EvidenceDir:          os.Getenv(EnvEvidenceDir),
		VaultKey:             os.Getenv(EnvVaultKey),
		PolicyDir:            os.Getenv(EnvPolicyDir),
		PluginDir:            os.Getenv(EnvPluginDir),
		LogLevel:             envStr(EnvLogLevel, "INFO"),
		SofficePath:          os.Getenv(EnvSofficePath),
		PerFileChars:         envInt(EnvPerFileChars, 1500),
		PerTableRows:         envInt(EnvPerTableRows, 200),
		LLMTemperature:       envFloat(EnvLLMTemperature, 0),
		RedisAddr:            os.Getenv(EnvRedisAddr),
		LedgerDSN:            os.Getenv(EnvLedgerDSN),
		RetentionDays:        365,
		ControlRetentionDays: 2555,
		SamplingDefaultSize:  25,
		RateLimitRPS:         20,
		RateLimitBurst:       40,
	}
	return cfg
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
