package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/chatrelay/chatrelay/internal/backend"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dedupe"
	"github.com/chatrelay/chatrelay/internal/gateway"
	"github.com/chatrelay/chatrelay/internal/history"
	"github.com/chatrelay/chatrelay/internal/logger"
	larksurface "github.com/chatrelay/chatrelay/internal/platform/lark"
	"github.com/chatrelay/chatrelay/internal/presenter"
	"github.com/chatrelay/chatrelay/internal/resilience"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/stats"
	"github.com/chatrelay/chatrelay/internal/tools"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runServe(cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to config.toml")
	return cmd
}

func runServe(cfgPath string) {
	fx.New(
		fx.Supply(configPath(cfgPath)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDedup,
			provideVault,
			provideAdapter,
			provideRedisClient,
			provideHistoryStore,
			providePgxPool,
			provideRecorder,
			provideLarkSurface,
			provideSpinner,
			provideInvoker,
			provideOrchestrator,
			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

type configPath string

func provideConfig(path configPath) (config.Config, error) {
	p := string(path)
	if p == "" {
		p = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(p)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}

func provideDedup(cfg config.Config) *dedupe.Cache {
	return dedupe.New(cfg.Gateway.DedupTTL(), cfg.Gateway.DedupMaxEntries)
}

func provideVault(log *slog.Logger, cfg config.Config) *resilience.TokenVault {
	source := resilience.SourceFunc(func(context.Context) (string, time.Duration, error) {
		return cfg.OpenClaw.Token, cfg.OpenClaw.TokenTTL(), nil
	})
	return resilience.NewTokenVault(log, source, cfg.Retry.TokenMargin())
}

func provideAdapter(log *slog.Logger, cfg config.Config, vault *resilience.TokenVault) (backend.Adapter, error) {
	switch cfg.Backend.Kind {
	case "gemini":
		return backend.NewChunkAdapter(context.Background(), log, cfg.Gemini.APIKey, cfg.Gemini.Model, true)
	case "openclaw-sse":
		return backend.NewSSEAdapter(log, cfg.OpenClaw.HTTPURL, vault, "", cfg.OpenClaw.RequestTimeout()), nil
	case "openclaw-ws":
		return backend.NewRPCAdapter(log, cfg.OpenClaw.WSURL, vault, "chatrelay", version, cfg.OpenClaw.RequestTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func provideRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return client
}

func provideHistoryStore(log *slog.Logger, cfg config.Config, client *redis.Client) history.Store {
	if client == nil {
		log.Info("no redis configured, history kept in memory")
		return history.NewMemoryStore(cfg.Gateway.HistoryLimit)
	}
	return history.NewRedisStore(log, client, cfg.Gateway.HistoryLimit, 0)
}

func providePgxPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	dsn := cfg.Postgres.DSN()
	if dsn == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideRecorder(log *slog.Logger, pool *pgxpool.Pool) (*stats.Recorder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return stats.NewRecorder(ctx, log, pool)
}

func provideLarkSurface(log *slog.Logger, cfg config.Config) *larksurface.CardSurface {
	client := larksdk.NewClient(cfg.Lark.AppID, cfg.Lark.AppSecret)
	return larksurface.NewCardSurface(log, client)
}

func provideSpinner(log *slog.Logger, cfg config.Config, surface *larksurface.CardSurface) *presenter.Spinner {
	return presenter.NewSpinner(log, surface, cfg.Gateway.StatusInterval())
}

func provideInvoker(log *slog.Logger, cfg config.Config) tools.Invoker {
	if cfg.Tools.URL == "" {
		log.Info("no tool service configured, attachments will not be processed")
		return nil
	}
	return tools.NewClient(log, cfg.Tools.URL, cfg.Tools.Token, cfg.Tools.Timeout())
}

func provideOrchestrator(lc fx.Lifecycle, log *slog.Logger, cfg config.Config,
	dedup *dedupe.Cache, adapter backend.Adapter, vault *resilience.TokenVault,
	surface *larksurface.CardSurface, spinner *presenter.Spinner,
	store history.Store, recorder *stats.Recorder, invoker tools.Invoker) *gateway.Orchestrator {

	// OpenClaw backends pick their model server-side; only gemini needs one.
	model := ""
	if cfg.Backend.Kind == "gemini" {
		model = cfg.Gemini.Model
	}

	o := gateway.New(log, gateway.Options{
		Dedup:       dedup,
		QuietPeriod: cfg.Gateway.QuietPeriodMs,
		Adapter:     adapter,
		Vault:       vault,
		Policy: resilience.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			MaxDelay:    cfg.Retry.MaxDelay(),
			Jitter:      cfg.Retry.Jitter(),
		},
		Surface:      surface,
		Presenter:    presenter.New(log, surface, cfg.Gateway.ThrottleInterval()),
		Spinner:      spinner,
		History:      store,
		HistoryLimit: cfg.Gateway.HistoryTokenLimit,
		Recorder:     recorder,
		Invoker:      invoker,
		SystemPrompt: cfg.Gateway.SystemPrompt,
		Model:        model,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return o.Shutdown(ctx) }})
	return o
}

func provideServer(log *slog.Logger, o *gateway.Orchestrator) *echo.Echo {
	return server.New(log, o)
}

func startServer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, e *echo.Echo) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", slog.String("error", err.Error()))
				}
			}()
			log.Info("relay listening", slog.String("addr", cfg.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
