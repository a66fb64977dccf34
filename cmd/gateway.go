package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bootstrap"
	"github.com/nextlevelbuilder/clawgate/internal/breaker"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/mcp"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
	"github.com/nextlevelbuilder/clawgate/internal/ratelimit"
	"github.com/nextlevelbuilder/clawgate/internal/retry"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/store/file"
	"github.com/nextlevelbuilder/clawgate/internal/store/pg"
	"github.com/nextlevelbuilder/clawgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawgate/internal/subagents"
	"github.com/nextlevelbuilder/clawgate/internal/tools"
	"github.com/nextlevelbuilder/clawgate/internal/tracing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// defaultAgentID is the agent serving channel traffic that no intent
// or per-agent config redirects elsewhere.
const defaultAgentID = "main"

func runGateway() {
	setupLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", cfgPath, "hash", cfg.Hash())

	// Startup reads cfg fields directly: the watcher that mutates it
	// is not running yet.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
		if err != nil {
			slog.Error("tracing setup failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			shutdownTracing(flushCtx)
		}()
	}

	stores, err := buildStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	registry := buildProviders(cfg.Providers, cfg.Agents.Defaults.Provider, cfg.Retry)
	msgBus := bus.New()

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if workspace != "" {
		if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
			slog.Warn("workspace seeding failed", "dir", workspace, "error", err)
		} else if len(seeded) > 0 {
			slog.Info("workspace seeded", "dir", workspace, "files", seeded)
		}
	}

	toolsReg := tools.NewRegistry()
	registerBuiltinTools(toolsReg, registry, stores, msgBus, workspace)

	engine := buildEngine(cfg, registry, toolsReg, stores)

	retryCfg := retryConfigFrom(cfg.Retry)
	breakers := breaker.NewRegistry(breakerConfigFrom(cfg.Breaker))

	sched := scheduler.NewScheduler(scheduler.Config{
		Runner:      engine,
		Sessions:    stores.Sessions,
		Transcripts: stores.Transcripts,
		Events:      msgBus,
		Breakers:    breakers,
		Retry:       retryCfg,
		Lanes:       scheduler.DefaultLanes(),
	})
	defer sched.Close()

	subagentMgr := subagents.NewSubagentManager(sched, msgBus, subagents.SubagentLimits{})
	toolsReg.Register(subagents.NewSpawnTool(subagentMgr))
	toolsReg.Register(subagents.NewSubagentsTool(subagentMgr))

	var mcpMgr *mcp.Manager
	if len(cfg.MCP.Servers) > 0 {
		mcpMgr = mcp.NewManager(toolsReg, cfg.MCP.Servers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup failed", "error", err)
		}
		defer mcpMgr.Stop()
	}

	intents := intentsFrom(cfg.Router)
	classifier := routing.NewClassifier(intents, cfg.Orchestration.ConfidenceThreshold)
	router := routing.NewRouter(intents, cfg.Orchestration.Enabled)

	disp := &dispatcher{
		sched:      sched,
		msgBus:     msgBus,
		classifier: classifier,
		router:     router,
		limits:     buildInboundLimits(cfg.Channels),
	}

	chanMgr := channels.NewManager(channels.ManagerConfig{
		Breakers: breakers,
		Retry:    retryCfg,
	})
	monitors := startChannels(ctx, cfg.Channels, cfg.Monitor, chanMgr, stores, disp)
	go chanMgr.ConsumeOutbound(ctx, msgBus)
	go consumeInbound(ctx, msgBus, sched)

	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		cronSvc = cron.New(cron.Config{
			Store:        stores.Cron,
			Scheduler:    sched,
			Router:       msgBus,
			DefaultAgent: defaultAgentID,
		})
		cronSvc.Start(ctx)
		defer cronSvc.Close()
	}

	server := gateway.NewServer(cfg, msgBus, sched, stores.Sessions, cronSvc)
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	defer tsCleanup()

	go func() {
		if err := config.Watch(ctx, cfgPath, cfg, func(fresh *config.Config) {
			slog.Info("config reloaded", "hash", fresh.Hash())
		}); err != nil {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		for _, m := range monitors {
			m.Close()
		}
	}()

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}

	chanMgr.Wait()
	slog.Info("shutdown complete")
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildStores picks the backend: Postgres in managed mode, otherwise
// sqlite or per-key JSON files under the sessions directory.
func buildStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		return pg.NewPGStores(cfg.Database.PostgresDSN)
	}
	dataDir := cfg.SessionsPath()
	if cfg.Sessions.Store == "sqlite" {
		return sqlite.NewSQLiteStores(filepath.Join(dataDir, "clawgate.db"))
	}
	return file.NewFileStores(dataDir)
}

func buildProviders(pc config.ProvidersConfig, defaultProvider string, rc config.RetryConfig) *providers.Registry {
	reg := providers.NewRegistry()

	if key := pc.Anthropic.APIKey; key != "" {
		var opts []providers.AnthropicOption
		if m := pc.Anthropic.Model; m != "" {
			opts = append(opts, providers.WithAnthropicModel(m))
		}
		if u := pc.Anthropic.BaseURL; u != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(u))
		}
		opts = append(opts, providers.WithAnthropicRetry(retryConfigFrom(rc)))
		reg.Register(providers.NewAnthropicProvider(key, opts...))
	}
	if key := pc.OpenAI.APIKey; key != "" {
		reg.Register(providers.NewOpenAIProvider("openai", key, pc.OpenAI.BaseURL, pc.OpenAI.Model))
	}

	if defaultProvider != "" {
		reg.SetDefault(defaultProvider)
	}
	return reg
}

func registerBuiltinTools(reg *tools.Registry, prov *providers.Registry, stores *store.Stores, msgBus *bus.MessageBus, workspace string) {
	restrict := workspace != ""

	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewListFilesTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict))
	reg.Register(tools.NewCurrentTimeTool())
	reg.Register(tools.NewAskUserTool())

	braveKey := os.Getenv("CLAWGATE_BRAVE_API_KEY")
	reg.Register(tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:  braveKey,
		BraveEnabled: braveKey != "",
		DDGEnabled:   true,
	}))
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	reg.Register(tools.NewReadImageTool(prov))
	reg.Register(tools.NewCreateImageTool(prov))

	reg.Register(tools.NewSessionsListTool(stores.Sessions))
	reg.Register(tools.NewSessionStatusTool(stores.Sessions))
	reg.Register(tools.NewSessionsHistoryTool(stores.Sessions, stores.Transcripts))
	reg.Register(tools.NewSessionsSendTool(stores.Sessions, msgBus))
}

func buildEngine(cfg *config.Config, prov *providers.Registry, toolsReg *tools.Registry, stores *store.Stores) *agent.Engine {
	d := cfg.Agents.Defaults

	hostname, _ := os.Hostname()
	tz := time.Local.String()

	return agent.NewEngine(agent.Config{
		Providers:       prov,
		Tools:           toolsReg,
		Sessions:        stores.Sessions,
		Transcripts:     stores.Transcripts,
		DefaultProvider: d.Provider,
		DefaultModel:    d.Model,
		Agents:          buildAgents(cfg),
		MaxTokens:       d.MaxTokens,
		ContextTokens:   d.ContextTokens,
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
		Hostname:        hostname,
		Timezone:        tz,
	})
}

// buildAgents resolves every configured agent id, plus the default,
// into a static spec the engine keys runs by.
func buildAgents(cfg *config.Config) map[string]agent.AgentSpec {
	ids := []string{defaultAgentID}
	for id := range cfg.Agents.List {
		if id != defaultAgentID {
			ids = append(ids, id)
		}
	}

	out := make(map[string]agent.AgentSpec, len(ids))
	for _, id := range ids {
		p := cfg.ResolveAgent(id)
		out[id] = agent.AgentSpec{
			ID:            id,
			Provider:      p.Provider,
			Model:         p.Model,
			ThinkingLevel: store.ThinkingLevel(p.ThinkingLevel),
			ContextTokens: p.ContextTokens,
			Workspace:     config.ExpandHome(p.Workspace),
			ExtraPrompt:   p.SystemPrompt,
		}
	}
	return out
}

// buildInboundLimits installs one inbound token bucket per channel.
// The default admits a burst of 10 with one message per 2s after it;
// per-channel rate_limit config overrides both.
func buildInboundLimits(cc config.ChannelsConfig) *ratelimit.Registry {
	reg := ratelimit.NewRegistry(10, 0.5)
	if rl := cc.Telegram.RateLimit; rl.Capacity > 0 {
		reg.Set("telegram", int64(rl.Capacity), rl.RefillPerSec)
	}
	if rl := cc.Discord.RateLimit; rl.Capacity > 0 {
		reg.Set("discord", int64(rl.Capacity), rl.RefillPerSec)
	}
	return reg
}

func retryConfigFrom(rc config.RetryConfig) retry.Config {
	return retry.Config{
		Attempts: rc.Attempts,
		MinDelay: time.Duration(rc.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(rc.MaxDelayMs) * time.Millisecond,
		Jitter:   rc.Jitter,
	}
}

func breakerConfigFrom(bc config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
		RecoveryTimeout:  time.Duration(bc.RecoveryTimeoutMs) * time.Millisecond,
	}
}

// intentsFrom flattens the intent table in declaration order. Names
// missing from Order sort after it so config mistakes stay visible
// instead of dropping intents.
func intentsFrom(rc config.RouterConfig) []routing.Intent {
	seen := make(map[string]bool, len(rc.Intents))
	var out []routing.Intent

	add := func(name string) {
		ic, ok := rc.Intents[name]
		if !ok || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, routing.Intent{
			Name:       name,
			Keywords:   []string(ic.Keywords),
			Primary:    ic.Primary,
			Background: ic.Background,
			Delegation: routing.DelegationType(ic.Delegation),
			Template:   ic.Template,
		})
	}

	for _, name := range rc.Order {
		add(name)
	}
	rest := make([]string, 0, len(rc.Intents))
	for name := range rc.Intents {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}
	return out
}
