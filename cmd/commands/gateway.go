package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mobyclaw/mobyclaw/internal/adapter"
	"github.com/mobyclaw/mobyclaw/internal/agentclient"
	"github.com/mobyclaw/mobyclaw/internal/channel"
	"github.com/mobyclaw/mobyclaw/internal/config"
	contextopt "github.com/mobyclaw/mobyclaw/internal/context"
	"github.com/mobyclaw/mobyclaw/internal/gatewayhttp"
	"github.com/mobyclaw/mobyclaw/internal/heartbeat"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/scheduler"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortmem"
	"github.com/mobyclaw/mobyclaw/internal/telegram"
)

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the mobyclaw gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Host to listen on", Value: "127.0.0.1"},
			&cli.IntFlag{Name: "port", Usage: "Port to listen on (overrides PORT)"},
		},
		Action: runGateway,
	}
}

func runGateway(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.Int("port")
	}

	logLevel := slog.LevelInfo
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	agent := agentclient.New(cfg.AgentURL, cfg.AgentName, cfg.SocketIdleTimeout)
	if err := agent.WaitForReady(ctx, 120*time.Second); err != nil {
		return fmt.Errorf("agent runtime never became ready: %w", err)
	}

	sessStore, err := session.NewStore(config.SessionPath(), session.Config{
		MaxTurns:         cfg.MaxTurns,
		DailyResetHour:   cfg.DailyResetHour,
		IdleResetMinutes: cfg.IdleResetMinutes,
		MaxQueueSize:     cfg.MaxQueueSize,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	chanStore, err := channel.NewStore(config.ChannelsPath())
	if err != nil {
		return fmt.Errorf("open channel store: %w", err)
	}

	stmStore, err := shortmem.NewStore(config.ShortTermMemoryPath(), cfg.STMMaxExchanges, cfg.STMMaxMsgLength)
	if err != nil {
		return fmt.Errorf("open short-term memory store: %w", err)
	}

	var ctxOpt *contextopt.Optimizer
	if cfg.ContextOptimizer {
		ctxOpt = contextopt.New(contextopt.Config{
			DashboardURL:    cfg.DashboardURL,
			InnerStatePath:  config.InnerStatePath(),
			SelfPath:        config.SelfPath(),
			ExplorationsDir: config.ExplorationsDir(),
			TokenBudget:     cfg.ContextBudgetTokens,
		})
	}

	adapters := adapter.NewRegistry()

	orch := orchestrator.New(orchestrator.Config{
		AgentClient:      agent,
		SessionStore:     sessStore,
		ShortTermMemory:  stmStore,
		ContextOptimizer: ctxOpt,
		Mode:             session.Mode(cfg.QueueMode),
		DebounceMs:       cfg.QueueDebounceMs,
		Logger:           logger,
	})

	schedStore, err := scheduler.NewStore(config.SchedulesDir())
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}
	schedLoop := scheduler.NewLoop(schedStore, adapters, orch, cfg.SchedulerTick, logger)
	schedLoop.Start()
	defer schedLoop.Stop()

	hb, err := heartbeat.New(heartbeat.Config{
		StatePath:             config.HeartbeatStatePath(),
		ExplorationsDir:       config.ExplorationsDir(),
		SelfPath:              config.SelfPath(),
		InnerStatePath:        config.InnerStatePath(),
		Interval:              cfg.HeartbeatInterval,
		ActiveHoursStart:      cfg.ActiveHoursStart,
		ActiveHoursEnd:        cfg.ActiveHoursEnd,
		ExplorationEnabled:    cfg.ExplorationEnabled,
		ExplorationFrequency:  cfg.ExplorationFrequency,
		ExplorationMaxFetches: cfg.ExplorationMaxFetches,
		ExplorationWords:      cfg.ExplorationWords,
		MaxFailures:           cfg.MaxHeartbeatFailures,
		Sender:                orch,
		Sessions:              sessStore,
		Channels:              chanStore,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("init heartbeat: %w", err)
	}
	hb.Start()
	defer hb.Stop()

	if cfg.TelegramBotToken != "" {
		allowed := make([]int64, 0, len(cfg.TelegramAllowedUsers))
		for _, s := range cfg.TelegramAllowedUsers {
			var id int64
			if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
				allowed = append(allowed, id)
			}
		}
		tg, err := telegram.New(telegram.Config{
			Token:          cfg.TelegramBotToken,
			AllowedUserIDs: allowed,
			Orchestrator:   orch,
			Channels:       chanStore,
			Logger:         logger,
		})
		if err != nil {
			logger.Warn("telegram adapter disabled", "error", err)
		} else {
			adapters.Register("telegram", tg.Deliver)
			go tg.Run(ctx)
		}
	}

	host := cmd.String("host")
	server := gateway.NewServer(gateway.Config{
		Orchestrator: orch,
		SessionStore: sessStore,
		Channels:     chanStore,
		Schedules:    schedStore,
		Adapters:     adapters,
		Host:         host,
		Port:         cfg.Port,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
