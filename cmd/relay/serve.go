package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relay/internal/activationstore"
	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/credits"
	"github.com/nextlevelbuilder/relay/internal/equeue"
	"github.com/nextlevelbuilder/relay/internal/llm"
	"github.com/nextlevelbuilder/relay/internal/scheduler"
	"github.com/nextlevelbuilder/relay/internal/state"
	"github.com/nextlevelbuilder/relay/internal/store/pg"
	"github.com/nextlevelbuilder/relay/internal/toolcache"
	"github.com/nextlevelbuilder/relay/internal/toolloop"
	"github.com/nextlevelbuilder/relay/internal/toolsys"
	"github.com/nextlevelbuilder/relay/internal/toolsys/mcp"
	"github.com/nextlevelbuilder/relay/internal/trace"
	"github.com/nextlevelbuilder/relay/internal/transport/discord"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the activation core: one Discord adapter per configured bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// botStack is everything one configured bot needs running: its own Discord
// adapter (discord.Adapter serves exactly one bot identity) and event
// queue, sharing every other process-wide singleton.
type botStack struct {
	bot     string
	adapter *discord.Adapter
	queue   *equeue.Queue
	agent   *equeue.AgentLoop
}

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Bots) == 0 {
		return fmt.Errorf("config has no bots configured")
	}
	if cfg.Discord.Token == "" {
		return fmt.Errorf("RELAY_DISCORD_TOKEN is not set")
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("RELAY_ANTHROPIC_API_KEY is not set")
	}

	// Process-wide singletons shared by every bot's stack.
	providerOpts := []llm.AnthropicOption{llm.WithAnthropicModel(cfg.Provider.Model)}
	if cfg.Provider.BaseURL != "" {
		providerOpts = append(providerOpts, llm.WithAnthropicBaseURL(cfg.Provider.BaseURL))
	}
	provider := llm.NewAnthropicProvider(cfg.Provider.APIKey, providerOpts...)

	toolsReg := toolsys.NewRegistry()
	policy := toolsys.NewPolicyEngine(&cfg.Tools)

	var mcpMgr *mcp.Manager
	if len(cfg.MCP) > 0 {
		mcpMgr = mcp.NewManager(toolsReg, policy, cfg.MCP)
	}

	channelState, toolCache, activations, db, err := openStores(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	collector := trace.NewLoggingCollector(log, verbose)
	var creditClient credits.Client = credits.NoopClient{}
	if cfg.Credits.Enabled {
		log.Warn("credits.enabled is set but no external credit client is wired; falling open")
	}
	limiter := rate.NewLimiter(rate.Limit(4), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mcpMgr != nil {
		if err := mcpMgr.Start(ctx); err != nil {
			log.Warn("mcp manager start failed", "error", err)
		}
		defer mcpMgr.Stop()
	}

	stacks := make([]*botStack, 0, len(cfg.Bots))
	for i := range cfg.Bots {
		bc := &cfg.Bots[i]
		stack, err := buildBotStack(cfg, bc.ID, provider, toolsReg, policy, channelState, toolCache, activations, creditClient, collector, limiter, log)
		if err != nil {
			return fmt.Errorf("build stack for bot %q: %w", bc.ID, err)
		}
		stacks = append(stacks, stack)
	}

	for _, s := range stacks {
		if err := s.adapter.Start(ctx); err != nil {
			return fmt.Errorf("start bot %q: %w", s.bot, err)
		}
		go s.agent.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("relay activation core starting", "version", Version, "bots", len(stacks))

	sig := <-sigCh
	log.Info("graceful shutdown initiated", "signal", sig)
	for _, s := range stacks {
		if err := s.adapter.Stop(context.Background()); err != nil {
			log.Warn("adapter stop failed", "bot", s.bot, "error", err)
		}
	}
	cancel()
	return nil
}

func buildBotStack(
	cfg *config.Config,
	botID string,
	provider llm.Provider,
	toolsReg *toolsys.Registry,
	policy *toolsys.PolicyEngine,
	channelState state.Store,
	toolCache toolcache.Store,
	activations activationstore.Store,
	creditClient credits.Client,
	collector trace.Collector,
	limiter *rate.Limiter,
	log *slog.Logger,
) (*botStack, error) {
	queue := equeue.NewQueue(256)

	adapter, err := discord.New(botID, cfg.Discord.Token, queue, log)
	if err != nil {
		return nil, fmt.Errorf("new discord adapter: %w", err)
	}

	loop := toolloop.New(cfg, adapter, provider, toolsReg, policy, channelState, toolCache, activations, nil, log)

	sched := scheduler.New(cfg, adapter, loop, creditClient, collector, channelState, toolCache, activations, limiter, log)

	agentLoop := equeue.NewAgentLoop(queue, sched, 32, log)

	return &botStack{bot: botID, adapter: adapter, queue: queue, agent: agentLoop}, nil
}

// openStores picks the Postgres-backed stores when a DSN is configured,
// otherwise the in-memory reference implementations (§4.4-§4.6).
func openStores(cfg *config.Config) (state.Store, toolcache.Store, activationstore.Store, *sql.DB, error) {
	if !cfg.Database.IsManagedMode() {
		return state.NewMemory(), toolcache.NewMemory(), activationstore.NewMemory(), nil, nil
	}

	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return pg.NewChannelStateStore(db), pg.NewToolCacheStore(db), pg.NewActivationStore(db), db, nil
}
