// Package config is the configuration surface of the gateway: a JSON5
// file overlaid with CLAWGATE_* environment variables. Secrets (API
// keys, tokens, DSNs) come from the environment only and are never
// written back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration of the gateway.
type Config struct {
	Agents        AgentsConfig        `json:"agents"`
	Channels      ChannelsConfig      `json:"channels"`
	Providers     ProvidersConfig     `json:"providers"`
	Gateway       GatewayConfig       `json:"gateway"`
	Sessions      SessionsConfig      `json:"sessions"`
	Database      DatabaseConfig      `json:"database,omitempty"`
	Retry         RetryConfig         `json:"retry,omitempty"`
	Breaker       BreakerConfig       `json:"breaker,omitempty"`
	Monitor       MonitorConfig       `json:"monitor,omitempty"`
	Router        RouterConfig        `json:"router,omitempty"`
	Orchestration OrchestrationConfig `json:"orchestration,omitempty"`
	Tracing       TracingConfig       `json:"tracing,omitempty"`
	Cron          CronConfig          `json:"cron,omitempty"`
	MCP           MCPConfig           `json:"mcp,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig holds the default agent profile plus per-agent
// overrides keyed by agent id.
type AgentsConfig struct {
	Defaults AgentDefaults            `json:"defaults"`
	List     map[string]AgentDefaults `json:"list,omitempty"`
}

// AgentDefaults is one agent profile. Zero fields in a per-agent entry
// fall back to the defaults.
type AgentDefaults struct {
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	ThinkingLevel string  `json:"thinking_level,omitempty"` // off | low | medium | high
	ContextTokens int     `json:"context_tokens,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	HistoryLimit  int     `json:"history_limit,omitempty"`
	Workspace     string  `json:"workspace,omitempty"`
}

// ProvidersConfig holds LLM provider credentials. Keys come from env.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `json:"-"` // env only
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig configures the WS control plane.
type GatewayConfig struct {
	Host            string          `json:"host"`
	Port            int             `json:"port"`
	Token           string          `json:"-"` // env only
	RateLimitRPM    int             `json:"rate_limit_rpm,omitempty"`
	MaxMessageChars int             `json:"max_message_chars,omitempty"`
	AllowedOrigins  []string        `json:"allowed_origins,omitempty"`
	Tailscale       TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Requires
// building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	// Storage is the root directory for file and sqlite stores.
	Storage string `json:"storage,omitempty"`
	// Store is "file" (default) or "sqlite".
	Store string `json:"store,omitempty"`
}

// DatabaseConfig configures Postgres for managed mode. The DSN is a
// secret and comes from CLAWGATE_POSTGRES_DSN only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`
}

// RetryConfig tunes the shared retry driver.
type RetryConfig struct {
	Attempts   int     `json:"attempts,omitempty"`
	MinDelayMs int64   `json:"min_delay_ms,omitempty"`
	MaxDelayMs int64   `json:"max_delay_ms,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

// BreakerConfig tunes every circuit breaker in the registry.
type BreakerConfig struct {
	FailureThreshold  int   `json:"failure_threshold,omitempty"`
	SuccessThreshold  int   `json:"success_threshold,omitempty"`
	RecoveryTimeoutMs int64 `json:"recovery_timeout_ms,omitempty"`
}

// MonitorConfig tunes the per-account sync loop.
type MonitorConfig struct {
	PollTimeoutMs int64     `json:"poll_timeout_ms,omitempty"`
	DedupCapacity int       `json:"dedup_capacity,omitempty"`
	UTD           UTDConfig `json:"utd,omitempty"`
	RoomIdleMs    int64     `json:"room_idle_ms,omitempty"`
}

type UTDConfig struct {
	Capacity      int   `json:"capacity,omitempty"`
	RetryWindowMs int64 `json:"retry_window_ms,omitempty"`
	ExpiryMs      int64 `json:"expiry_ms,omitempty"`
}

// RouterConfig declares the intent table. Order fixes the tie-break
// sequence for equal classifier scores.
type RouterConfig struct {
	Order   []string                `json:"order,omitempty"`
	Intents map[string]IntentConfig `json:"intents,omitempty"`
}

type IntentConfig struct {
	Keywords   FlexibleStringSlice `json:"keywords"`
	Primary    string              `json:"primary,omitempty"`
	Background string              `json:"background,omitempty"`
	Delegation string              `json:"delegation,omitempty"` // blocking | background | none
	Template   string              `json:"template,omitempty"`
}

// OrchestrationConfig gates the intent router.
type OrchestrationConfig struct {
	Enabled             bool    `json:"enabled,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// CronConfig gates the scheduled-job runner.
type CronConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// MCPConfig declares external MCP tool servers.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

type MCPServerConfig struct {
	// Transport is "stdio" (default), "sse", or "streamable-http".
	Transport  string              `json:"transport,omitempty"`
	Command    string              `json:"command,omitempty"`
	Args       FlexibleStringSlice `json:"args,omitempty"`
	URL        string              `json:"url,omitempty"`
	Env        map[string]string   `json:"env,omitempty"`
	Headers    map[string]string   `json:"headers,omitempty"`
	ToolPrefix string              `json:"tool_prefix,omitempty"`
	TimeoutSec int                 `json:"timeout_sec,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (c MCPServerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// EffectiveTransport infers the transport when unset: a URL means sse,
// otherwise stdio.
func (c MCPServerConfig) EffectiveTransport() string {
	if c.Transport != "" {
		return c.Transport
	}
	if c.URL != "" {
		return "sse"
	}
	return "stdio"
}

// IsManagedMode reports whether the gateway runs multi-tenant on
// Postgres.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// ResolveAgent returns the effective profile for an agent id, merging
// defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return d
	}
	if spec.Provider != "" {
		d.Provider = spec.Provider
	}
	if spec.Model != "" {
		d.Model = spec.Model
	}
	if spec.ThinkingLevel != "" {
		d.ThinkingLevel = spec.ThinkingLevel
	}
	if spec.ContextTokens > 0 {
		d.ContextTokens = spec.ContextTokens
	}
	if spec.MaxTokens > 0 {
		d.MaxTokens = spec.MaxTokens
	}
	if spec.Temperature > 0 {
		d.Temperature = spec.Temperature
	}
	if spec.SystemPrompt != "" {
		d.SystemPrompt = spec.SystemPrompt
	}
	if spec.HistoryLimit > 0 {
		d.HistoryLimit = spec.HistoryLimit
	}
	if spec.Workspace != "" {
		d.Workspace = spec.Workspace
	}
	return d
}

// ReplaceFrom copies all data fields from src into c, preserving c's
// mutex. Used by the file watcher for hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Retry = src.Retry
	c.Breaker = src.Breaker
	c.Monitor = src.Monitor
	c.Router = src.Router
	c.Orchestration = src.Orchestration
	c.Tracing = src.Tracing
	c.Cron = src.Cron
	c.MCP = src.MCP
}

// Snapshot returns a copy of the data fields for lock-free reads.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Agents:        c.Agents,
		Channels:      c.Channels,
		Providers:     c.Providers,
		Gateway:       c.Gateway,
		Sessions:      c.Sessions,
		Database:      c.Database,
		Retry:         c.Retry,
		Breaker:       c.Breaker,
		Monitor:       c.Monitor,
		Router:        c.Router,
		Orchestration: c.Orchestration,
		Tracing:       c.Tracing,
		Cron:          c.Cron,
		MCP:           c.MCP,
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	switch c.Database.Mode {
	case "", "standalone", "managed":
	default:
		return fmt.Errorf("database.mode %q: want standalone or managed", c.Database.Mode)
	}
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("database.mode managed requires CLAWGATE_POSTGRES_DSN")
	}
	switch c.Sessions.Store {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("sessions.store %q: want file or sqlite", c.Sessions.Store)
	}
	switch c.Tracing.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("tracing.protocol %q: want http or grpc", c.Tracing.Protocol)
	}
	if t := c.Orchestration.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("orchestration.confidence_threshold %v out of [0,1]", t)
	}
	if err := c.Channels.validate(); err != nil {
		return err
	}
	for name, it := range c.Router.Intents {
		if name == "general" {
			continue
		}
		if len(it.Keywords) == 0 {
			return fmt.Errorf("router.intents.%s: empty keyword list", name)
		}
		switch it.Delegation {
		case "", "blocking", "background", "none":
		default:
			return fmt.Errorf("router.intents.%s.delegation %q: want blocking, background or none", name, it.Delegation)
		}
	}
	return nil
}
