// Agent chat - terminal client for a streaming chat agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/console"
	"github.com/ashureev/agentchat/internal/convlog"
	"github.com/ashureev/agentchat/internal/render"
	"github.com/ashureev/agentchat/internal/session"
	"github.com/ashureev/agentchat/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	agentURL    string
	maxAttempts int
	baseDelay   time.Duration
	noMarkdown  bool
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a streaming agent over WebSocket",
	Long: `Connects to an agent endpoint, streams replies into the terminal and
reconnects with linear backoff when the connection drops.

Configuration is read from the environment (or a .env file); flags override it.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&agentURL, "url", "", "Agent WebSocket URL (overrides AGENT_URL)")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Reconnect attempts before giving up (overrides RECONNECT_MAX_ATTEMPTS)")
	rootCmd.Flags().DurationVar(&baseDelay, "base-delay", 0, "Linear backoff step (overrides RECONNECT_BASE_DELAY)")
	rootCmd.Flags().BoolVar(&noMarkdown, "no-markdown", false, "Print replies without markdown rendering")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg := config.LoadUnvalidated()
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	wsCfg := transport.DefaultWebSocketConfig(cfg.AgentURL)
	wsCfg.DialTimeout = cfg.Transport.DialTimeout
	wsCfg.PingInterval = cfg.Transport.PingInterval
	wsCfg.SendQueueSize = cfg.Transport.SendQueueSize
	wsCfg.ReadLimit = cfg.Transport.ReadLimit

	convLogger, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	sess := session.New(transport.NewWebSocketFactory(wsCfg, logger),
		session.WithLogger(logger),
		session.WithReconnectPolicy(cfg.Reconnect.MaxAttempts, cfg.Reconnect.BaseDelay),
	)
	defer sess.Dispose()
	sess.Subscribe(convlog.Listener(convLogger, sess.ID()))

	ui := console.New(sess, cmd.OutOrStdout(), render.New(cfg.Render.Markdown, cfg.Render.WordWrap))
	detach := ui.Attach()
	defer detach()

	slog.Info("Starting chat session", "session_id", sess.ID(), "url", cfg.AgentURL,
		"max_attempts", cfg.Reconnect.MaxAttempts, "base_delay", cfg.Reconnect.BaseDelay)
	if err := sess.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return ui.Run(ctx, cmd.InOrStdin())
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.AgentURL = agentURL
	}
	if flags.Changed("max-attempts") {
		cfg.Reconnect.MaxAttempts = maxAttempts
	}
	if flags.Changed("base-delay") {
		cfg.Reconnect.BaseDelay = baseDelay
	}
	if noMarkdown {
		cfg.Render.Markdown = false
	}
}
