package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with the shipped defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:      "anthropic",
				Model:         "claude-sonnet-4-5-20250929",
				MaxTokens:     8192,
				Temperature:   0.7,
				ContextTokens: 200000,
				HistoryLimit:  50,
				Workspace:     "~/.clawgate/workspace",
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Sessions: SessionsConfig{
			Storage: "~/.clawgate/sessions",
			Store:   "file",
		},
		Retry: RetryConfig{
			Attempts:   3,
			MinDelayMs: 500,
			MaxDelayMs: 30000,
			Jitter:     0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			SuccessThreshold:  3,
			RecoveryTimeoutMs: 30000,
		},
		Monitor: MonitorConfig{
			PollTimeoutMs: 30000,
			DedupCapacity: 1000,
			UTD: UTDConfig{
				Capacity:      200,
				RetryWindowMs: 300000,
				ExpiryMs:      3600000,
			},
			RoomIdleMs: 60000,
		},
		Orchestration: OrchestrationConfig{
			ConfidenceThreshold: 0.6,
		},
		Tracing: TracingConfig{
			Protocol:    "http",
			ServiceName: "clawgate",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays CLAWGATE_* env vars onto the config. Env
// values take precedence over file values; secrets only live here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWGATE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CLAWGATE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CLAWGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Channels auto-enable when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CLAWGATE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CLAWGATE_MODEL", &c.Agents.Defaults.Model)
	envStr("CLAWGATE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("CLAWGATE_SESSIONS_STORE", &c.Sessions.Store)

	envStr("CLAWGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("CLAWGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("CLAWGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLAWGATE_MODE", &c.Database.Mode)

	envStr("CLAWGATE_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	envStr("CLAWGATE_TRACING_PROTOCOL", &c.Tracing.Protocol)
	envStr("CLAWGATE_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	if v := os.Getenv("CLAWGATE_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAWGATE_TRACING_INSECURE"); v != "" {
		c.Tracing.Insecure = v == "true" || v == "1"
	}

	envStr("CLAWGATE_TSNET_HOSTNAME", &c.Gateway.Tailscale.Hostname)
	envStr("CLAWGATE_TSNET_AUTH_KEY", &c.Gateway.Tailscale.AuthKey)
	envStr("CLAWGATE_TSNET_DIR", &c.Gateway.Tailscale.StateDir)

	if v := os.Getenv("ORCHESTRATION"); strings.EqualFold(v, "false") {
		c.Orchestration.Enabled = false
	}
}

// Save writes the config to disk. Secret fields carry `json:"-"` and
// never land in the file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// DefaultPath returns the config file location, honoring
// CLAWGATE_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("CLAWGATE_CONFIG"); p != "" {
		return p
	}
	return ExpandHome("~/.clawgate/config.json")
}

// SessionsPath returns the expanded session storage directory.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
