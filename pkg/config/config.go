package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for one agent identity.
type Config struct {
	Alias        string        // identity name; selects the node profile and the anchor
	Role         string        // "host" or "remote"
	BaseURL      string        // ledger node endpoint; empty means resolve via profile
	APIKey       string        // ledger node API key
	VerifyMode   string        // "light" or "heavy"
	AuditEnabled bool          // host writes audit records after aggregation
	TrustPolicy  string        // CEL admission expression; empty means accept-all
	StateDir     string        // anchor registry location
	AnchorValue  float64       // initial value attached to anchor registration
	Timeout      time.Duration // per-request ledger node timeout
}

// Load loads configuration from environment variables.
func Load() *Config {
	alias := os.Getenv("AGENTDNA_ALIAS")
	if alias == "" {
		alias = "agent"
	}

	role := os.Getenv("AGENTDNA_ROLE")
	if role == "" {
		role = "host"
	}

	verifyMode := os.Getenv("AGENTDNA_VERIFY_MODE")
	if verifyMode == "" {
		verifyMode = "light"
	}

	stateDir := os.Getenv("AGENTDNA_STATE_DIR")
	if stateDir == "" {
		stateDir = "."
	}

	anchorValue := 0.001
	if v := os.Getenv("AGENTDNA_ANCHOR_VALUE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			anchorValue = parsed
		}
	}

	timeout := 30 * time.Second
	if v := os.Getenv("AGENTDNA_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	return &Config{
		Alias:        alias,
		Role:         role,
		BaseURL:      os.Getenv("BASE_URL"),
		APIKey:       os.Getenv("AGENTDNA_API_KEY"),
		VerifyMode:   verifyMode,
		AuditEnabled: os.Getenv("AGENTDNA_AUDIT") == "true",
		TrustPolicy:  os.Getenv("AGENTDNA_TRUST_POLICY"),
		StateDir:     stateDir,
		AnchorValue:  anchorValue,
		Timeout:      timeout,
	}
}
