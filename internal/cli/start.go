package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/logger"
	"github.com/parley-bot/parley/pkg/agent"
	"github.com/parley-bot/parley/pkg/channels"
	"github.com/parley-bot/parley/pkg/gateway"
	"github.com/parley-bot/parley/pkg/llm"
	"github.com/parley-bot/parley/pkg/promptctx"
	"github.com/parley-bot/parley/pkg/scheduler"
	"github.com/parley-bot/parley/pkg/store"
	"github.com/parley-bot/parley/pkg/tools"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Parley runtime",
	Long: `Start the Parley runtime in the foreground. The runtime opens the
store, connects the configured LLM provider, runs the task scheduler, and
serves the gateway when enabled. Stop it with SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

// sinkRunner wraps the engine so every turn carries a gateway sink.
type sinkRunner struct {
	engine *agent.Engine
	sink   *gateway.Sink
}

func (r *sinkRunner) RunTurn(ctx context.Context, turn agent.Turn) (string, error) {
	turn.Sink = r.sink.ForChat(turn.Channel, turn.ChatID)
	return r.engine.RunTurn(ctx, turn)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: true,
	})
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "parley.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := llm.New(cfg.LLMProvider, cfg.APIKey, cfg.LLMBaseURL)
	if err != nil {
		return err
	}

	delivery := channels.NewRegistry(cfg.BotUsername, st, zl)

	toolReg := tools.NewRegistry(zl)
	if err := toolReg.Register(tools.SendMessageDefinition(delivery, cfg.DefaultChannel)); err != nil {
		return err
	}

	prompts, err := promptctx.New(cfg.BotUsername, cfg.DataDir, zl)
	if err != nil {
		return err
	}
	defer prompts.Close()

	runs := agent.NewRunRegistry()
	defer runs.Close()

	engine, err := agent.New(agent.Config{
		Model:              cfg.Model,
		MaxTokens:          cfg.MaxTokens,
		MaxToolIterations:  cfg.MaxToolIterations,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		MaxSessionMessages: cfg.MaxSessionMessages,
		CompactKeepRecent:  cfg.CompactKeepRecent,
		ControlChatIDs:     cfg.ControlChatIDs,
		ShowThinking:       cfg.ShowThinking,
		DataDir:            cfg.DataDir,
		LLMTimeout:         time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		ToolTimeout:        time.Duration(cfg.ToolTimeoutSeconds) * time.Second,
	}, provider, st, toolReg, runs, prompts.Build, zl)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runner scheduler.Runner = engine
	if cfg.Gateway.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Host:      cfg.Gateway.Host,
			Port:      cfg.Gateway.Port,
			AuthToken: cfg.Gateway.AuthToken,
		}, zl)
		if err != nil {
			return err
		}
		if err := gw.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := gw.Stop(shutdownCtx); err != nil {
				zl.Warn().Err(err).Msg("Gateway shutdown error")
			}
		}()

		sink := gateway.NewSink(gw.Broadcaster(), 256)
		defer sink.Close()
		runner = &sinkRunner{engine: engine, sink: sink}
	}

	sched, err := scheduler.New(st, runner, delivery, scheduler.Config{
		DefaultChannel: cfg.DefaultChannel,
		Timezone:       location,
	}, zl)
	if err != nil {
		return err
	}
	go sched.Run(ctx)

	zl.Info().
		Str("model", cfg.Model).
		Str("provider", provider.Name()).
		Str("dataDir", cfg.DataDir).
		Bool("gateway", cfg.Gateway.Enabled).
		Msg("Parley started")

	<-ctx.Done()
	zl.Info().Msg("Shutting down")
	return nil
}
