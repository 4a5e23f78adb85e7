package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/params"
	"github.com/uhyunpark/limitorderbook/pkg/node"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (console only when LOG_FILE=off)
	newLogger := func() (*zap.Logger, error) { return util.NewLogger(cfg.Node.LogLevel) }
	if cfg.Node.LogFile != "" {
		newLogger = func() (*zap.Logger, error) { return util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel) }
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, node.Options{Config: cfg, Logger: sugar})
	if err != nil {
		sugar.Fatalw("node_init_failed", "err", err)
	}
	defer n.Close()

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"min_block_time_ms", cfg.Node.MinBlockTime.Milliseconds(),
		"reward_policy", cfg.Reward.Policy.String(),
		"keeper_enabled", cfg.Keeper.Enabled,
		"txgen_enabled", cfg.Feeder.Enabled,
		"txgen_mode", cfg.Feeder.Mode)

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("node_failed", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
