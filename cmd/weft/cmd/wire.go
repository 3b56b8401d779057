package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft"
	"github.com/weftlab/weft/internal/config"
	"github.com/weftlab/weft/internal/tools"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/scheduler"
)

// wire assembles the engine against the configured Redis instance and
// registers the built-in tools.
func wire(cfg *config.Config, logger *slog.Logger) (*weft.Engine, *backend.Client, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	engineGuards := engine.DefaultGuards()
	engineGuards.MaxReflections = cfg.Guards.MaxReflections
	engineGuards.WaitDeadline = cfg.Guards.WaitDeadline.Std()

	eng, err := weft.New(
		weft.WithRedis(client, cfg.Redis.Prefix),
		weft.WithLogger(logger),
		weft.WithDedupPolicy(cfg.Dedup.Policy),
		weft.WithLookback(cfg.Dedup.Lookback.Std()),
		weft.WithFenceTTL(cfg.FenceTTL.Std()),
		weft.WithEngineGuards(engineGuards),
		weft.WithSchedulerGuards(scheduler.Guards{
			MaxBranchLength: int64(cfg.Guards.MaxBranchLength),
			MaxIdleRounds:   cfg.Guards.MaxIdleRounds,
		}),
		weft.WithBudgets(scheduler.Budgets{
			Ticks:   cfg.Budgets.Ticks,
			Tools:   cfg.Budgets.Tools,
			Replies: cfg.Budgets.Replies,
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	tools.RegisterBuiltins(eng.Tools())
	tools.NewLedger(client, cfg.Redis.Prefix).Register(eng.Tools())
	return eng, client, nil
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}
