package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gatebridge/internal/adapter/channel"
	"gatebridge/internal/domain"
	"gatebridge/internal/gateway"
	"gatebridge/internal/infra/config"
	"gatebridge/internal/infra/logger"
	"gatebridge/internal/infra/tracer"
	"gatebridge/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`gatebridge - bridge chat channels to a remote assistant gateway

USAGE:
    gatebridge [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: GATEBRIDGE_* variables override config

EXAMPLES:
    gatebridge                                  # Run with config.yaml
    gatebridge --config /etc/gatebridge.yaml    # Run with custom config
    GATEBRIDGE_GATEWAY_URL=wss://gw.example.net gatebridge`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("GATEBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	// 3. Gateway client
	client := gateway.New(gateway.Config{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		Password:         cfg.Gateway.Password,
		ClientName:       cfg.Gateway.ClientName,
		ClientVersion:    cfg.Gateway.ClientVersion,
		Role:             cfg.Gateway.Role,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
		ChatAckTimeout:   cfg.Gateway.ChatAckTimeout,
		AgentTimeout:     cfg.Gateway.AgentTimeout,
		ReconnectInitial: cfg.Gateway.ReconnectInitial,
		ReconnectMax:     cfg.Gateway.ReconnectMax,
	}, log)
	defer client.Close()

	hello, err := connectWithRetries(ctx, client, cfg.Gateway, log)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info("connected to gateway",
		"url", cfg.Gateway.URL,
		"protocol", hello.Protocol,
	)

	// 4. Channels
	channels, err := buildChannels(cfg.Channels, log)
	if err != nil {
		return fmt.Errorf("channels: %w", err)
	}
	if len(channels) == 0 {
		log.Warn("no channels configured, only scheduled tasks will run")
	}

	// 5. Bridge
	bridge := usecase.NewBridge(client, cfg.Bridge, log)
	for _, ch := range channels {
		if err := bridge.Attach(ctx, ch); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
		log.Info("channel attached", "channel", ch.Name())
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, ch := range channels {
			if err := ch.Stop(stopCtx); err != nil {
				log.Error("channel stop error", "channel", ch.Name(), "error", err)
			}
		}
	}()

	// 6. Scheduler
	if cfg.Scheduler.Enabled {
		sched, err := usecase.NewScheduler(client, cfg.Scheduler, log)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Error("scheduler stop error", "error", err)
			}
		}()
		log.Info("scheduler started", "tasks", len(cfg.Scheduler.Tasks))
	}

	log.Info("gatebridge running",
		"channels", len(channels),
		"scheduler", cfg.Scheduler.Enabled,
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// connectWithRetries establishes the initial gateway connection, backing off
// between attempts. Once connected the client handles later drops itself.
func connectWithRetries(ctx context.Context, client *gateway.Client, cfg config.GatewayConfig, log *slog.Logger) (*gateway.HelloPayload, error) {
	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	backoff := cfg.ReconnectInitial
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		hello, err := client.Connect(ctx)
		if err == nil {
			return hello, nil
		}
		lastErr = err

		// Auth rejections won't resolve by retrying.
		if errors.Is(err, domain.ErrHandshakeFailed) {
			return nil, err
		}
		if attempt == retries {
			break
		}
		log.Warn("gateway connect failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff *= 2; backoff > cfg.ReconnectMax && cfg.ReconnectMax > 0 {
			backoff = cfg.ReconnectMax
		}
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", retries, lastErr)
}

func buildChannels(configs []config.ChannelConfig, log *slog.Logger) ([]domain.Channel, error) {
	var channels []domain.Channel
	for _, cc := range configs {
		switch cc.Type {
		case "discord":
			if cc.Discord == nil {
				return nil, fmt.Errorf("discord channel missing discord config block")
			}
			opts := []channel.DiscordOption{
				channel.WithDiscordMentionOnly(cc.MentionOnly),
			}
			if cc.Discord.GuildID != "" {
				opts = append(opts, channel.WithDiscordGuild(cc.Discord.GuildID))
			}
			if len(cc.ChannelIDs) > 0 {
				opts = append(opts, channel.WithDiscordChannels(cc.ChannelIDs))
			}
			channels = append(channels, channel.NewDiscordChannel(cc.Discord.Token, log, opts...))
		case "slack":
			if cc.Slack == nil {
				return nil, fmt.Errorf("slack channel missing slack config block")
			}
			opts := []channel.SlackOption{
				channel.WithSlackMentionOnly(cc.MentionOnly),
			}
			if len(cc.ChannelIDs) > 0 {
				opts = append(opts, channel.WithSlackChannels(cc.ChannelIDs))
			}
			channels = append(channels, channel.NewSlackChannel(cc.Slack.BotToken, cc.Slack.AppToken, log, opts...))
		default:
			return nil, fmt.Errorf("unknown channel type %q", cc.Type)
		}
	}
	return channels, nil
}
