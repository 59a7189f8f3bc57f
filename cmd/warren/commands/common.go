package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/feed"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/blackboard"
)

// loadConfig reads the --config file, reporting failures through the printer.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"failed to load configuration",
			err.Error(),
			[]string{
				"Create a project:\n  warren init",
				"Point at another file:\n  warren --config path/to/warren.yml",
			},
		)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// connect opens the portfolio's blackboard and verifies Redis is reachable.
func connect(ctx context.Context, cfg *config.Config) (*blackboard.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, printer.Error(
			"invalid Redis URL",
			fmt.Sprintf("Could not parse %q: %v", cfg.RedisURL, err),
			[]string{fmt.Sprintf("Set redis_url in %s or %s", configPath, config.EnvRedisURL)},
		)
	}

	client, err := blackboard.NewClient(redisOpts, cfg.Portfolio)
	if err != nil {
		return nil, fmt.Errorf("failed to create blackboard client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
			map[string]string{"Portfolio": cfg.Portfolio, "Error": err.Error()},
			[]string{
				"Start Redis:\n  docker run -d -p 6379:6379 redis:7",
				fmt.Sprintf("Point at a running server:\n  export %s=redis://host:6379", config.EnvRedisURL),
			},
		)
	}
	return client, nil
}

// newEngine wires an engine to the file feeds and command producers named in cfg.
func newEngine(cfg *config.Config, client *blackboard.Client, logger *zap.Logger) (*orchestrator.Engine, error) {
	if cfg.Feed == nil {
		return nil, printer.Error(
			"no feed configured",
			"Running cycles needs market and portfolio data.",
			[]string{fmt.Sprintf("Add a feed section to %s:\n  feed:\n    market_file: data/market.json\n    portfolio_file: data/portfolio.json", configPath)},
		)
	}

	deps := orchestrator.Dependencies{
		Client:    client,
		Market:    feed.NewMarketFile(cfg.Feed.MarketFile),
		Portfolio: feed.NewPortfolioFile(cfg.Feed.PortfolioFile),
		Logger:    logger,
	}
	if cfg.Feed.SignalsFile != "" {
		deps.Executor = feed.NewSignalLog(cfg.Feed.SignalsFile, logger)
	}

	engine, err := orchestrator.NewEngine(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return engine, nil
}
