// Package config provides environment-aware configuration loading for the
// Symbiont runtime daemon, following the teacher's .env-per-environment
// convention (internal/config.Load in the teacher repo).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/symbiont-run/symbiont/internal/runtimeenv"
)

// Config holds all runtime configuration, populated from environment
// variables (optionally loaded from a per-environment .env file).
type Config struct {
	Env runtimeenv.Environment

	// DataRoot is the filesystem root for persisted state (spec §6):
	// audit/chain.log, agents/<id>/state.json, keys/runtime.pub.
	DataRoot string

	// Logging
	LogLevel  string
	LogFormat string

	// Secret provider selector: "file" (development) or "azure-keyvault".
	SecretProvider string

	// Sandbox tier availability flags.
	Tier1Enabled bool
	Tier2Enabled bool

	// Scheduler
	PriorityBands      int
	AdmissionMaxRetry  int
	BackoffBase        time.Duration
	BackoffCap         time.Duration

	// Timeouts (spec §5)
	PolicyEvalTimeout    time.Duration
	SandboxProvisionTimeout time.Duration
	MessageDeliveryTTL   time.Duration
	AgentInitTimeout     time.Duration
	TerminationGrace     time.Duration

	// Resource pool totals
	PoolMemoryMB   int64
	PoolCPUShares  int64
	PoolDiskIOQuota int64
	PoolNetIOQuota  int64
	OverCommitRatio float64
	OveruseThreshold float64
	OveruseGrace    time.Duration

	// Policy engine
	PolicyDecisionCacheSize int
	PolicyDecisionCacheTTL  time.Duration
	PolicySourcePath        string

	// Bus
	InboxCapacity    int
	KeyRatchetMessages int
	KeyRatchetInterval time.Duration

	// Worker pool
	MaxWorkers int
}

// Load loads configuration based on the SYMBIONT_ENV environment variable,
// optionally layering in a config/<env>.env file if present.
func Load() (*Config, error) {
	envStr := os.Getenv("SYMBIONT_ENV")
	if envStr == "" {
		envStr = string(runtimeenv.Development)
	}

	env, ok := runtimeenv.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid SYMBIONT_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// Non-missing-file errors (e.g. malformed .env) are surfaced by
			// the caller; a missing optional file is not an error.
			return nil, fmt.Errorf("load %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Env:                     env,
		DataRoot:                getString("SYMBIONT_DATA_ROOT", "./data"),
		LogLevel:                getString("SYMBIONT_LOG_LEVEL", "info"),
		LogFormat:               getString("SYMBIONT_LOG_FORMAT", "text"),
		SecretProvider:          getString("SYMBIONT_SECRET_PROVIDER", "file"),
		Tier1Enabled:            getBool("SYMBIONT_TIER1_ENABLED", true),
		Tier2Enabled:            getBool("SYMBIONT_TIER2_ENABLED", true),
		PriorityBands:           getInt("SYMBIONT_PRIORITY_BANDS", 4),
		AdmissionMaxRetry:       getInt("SYMBIONT_ADMISSION_MAX_RETRY", 3),
		BackoffBase:             getDuration("SYMBIONT_BACKOFF_BASE", 100*time.Millisecond),
		BackoffCap:              getDuration("SYMBIONT_BACKOFF_CAP", 5*time.Second),
		PolicyEvalTimeout:       getDuration("SYMBIONT_POLICY_EVAL_TIMEOUT", 100*time.Millisecond),
		SandboxProvisionTimeout: getDuration("SYMBIONT_SANDBOX_PROVISION_TIMEOUT", 30*time.Second),
		MessageDeliveryTTL:      getDuration("SYMBIONT_MESSAGE_TTL", 60*time.Second),
		AgentInitTimeout:        getDuration("SYMBIONT_AGENT_INIT_TIMEOUT", 60*time.Second),
		TerminationGrace:        getDuration("SYMBIONT_TERMINATION_GRACE", 5*time.Second),
		PoolMemoryMB:            getInt64("SYMBIONT_POOL_MEMORY_MB", 8192),
		PoolCPUShares:           getInt64("SYMBIONT_POOL_CPU_SHARES", 4096),
		PoolDiskIOQuota:         getInt64("SYMBIONT_POOL_DISK_IO_QUOTA", 1_000_000),
		PoolNetIOQuota:          getInt64("SYMBIONT_POOL_NET_IO_QUOTA", 1_000_000),
		OverCommitRatio:         getFloat("SYMBIONT_OVERCOMMIT_RATIO", 1.0),
		OveruseThreshold:        getFloat("SYMBIONT_OVERUSE_THRESHOLD", 1.10),
		OveruseGrace:            getDuration("SYMBIONT_OVERUSE_GRACE", 10*time.Second),
		PolicyDecisionCacheSize: getInt("SYMBIONT_POLICY_CACHE_SIZE", 4096),
		PolicyDecisionCacheTTL:  getDuration("SYMBIONT_POLICY_CACHE_TTL", 60*time.Second),
		PolicySourcePath:        getString("SYMBIONT_POLICY_SOURCE_PATH", "policies"),
		InboxCapacity:           getInt("SYMBIONT_INBOX_CAPACITY", 1024),
		KeyRatchetMessages:      getInt("SYMBIONT_KEY_RATCHET_MESSAGES", 1000),
		KeyRatchetInterval:      getDuration("SYMBIONT_KEY_RATCHET_INTERVAL", time.Hour),
		MaxWorkers:              getInt("SYMBIONT_MAX_WORKERS", 0),
	}

	if cfg.PoolMemoryMB <= 0 {
		return nil, fmt.Errorf("SYMBIONT_POOL_MEMORY_MB must be > 0")
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// RiskWeights are the operator-configurable coefficients of the sandbox
// tier-selection formula (spec §4.5, Open Question resolved in SPEC_FULL §9).
type RiskWeights struct {
	DataSensitivity float64
	CodeTrust       float64
	NetAccess       float64
	FSWrite         float64
	ExternalAPIs    float64
	TierThreshold   float64
}

// DefaultRiskWeights returns the coefficients specified in spec §4.5.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		DataSensitivity: 0.4,
		CodeTrust:       0.3,
		NetAccess:       0.1,
		FSWrite:         0.1,
		ExternalAPIs:    0.1,
		TierThreshold:   0.5,
	}
}

// LoadRiskWeights allows operators to override individual coefficients via
// environment variables, defaulting to DefaultRiskWeights otherwise.
func LoadRiskWeights() RiskWeights {
	w := DefaultRiskWeights()
	w.DataSensitivity = getFloat("SYMBIONT_RISK_DATA_SENSITIVITY", w.DataSensitivity)
	w.CodeTrust = getFloat("SYMBIONT_RISK_CODE_TRUST", w.CodeTrust)
	w.NetAccess = getFloat("SYMBIONT_RISK_NET_ACCESS", w.NetAccess)
	w.FSWrite = getFloat("SYMBIONT_RISK_FS_WRITE", w.FSWrite)
	w.ExternalAPIs = getFloat("SYMBIONT_RISK_EXTERNAL_APIS", w.ExternalAPIs)
	w.TierThreshold = getFloat("SYMBIONT_RISK_TIER_THRESHOLD", w.TierThreshold)
	return w
}

// String renders the environment for logging.
func (c *Config) String() string {
	return strings.ToUpper(string(c.Env))
}
