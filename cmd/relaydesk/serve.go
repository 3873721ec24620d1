package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/bridge"
	"github.com/relaydesk/relaydesk/internal/bridge/adapters/discord"
	"github.com/relaydesk/relaydesk/internal/bridge/adapters/telegram"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/handlers"
	"github.com/relaydesk/relaydesk/internal/logger"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			provideDBConn,
			provideMessageService,
			provideCredentials,
			provideEngines,
			handlers.NewPingHandler,
			handlers.NewWebHandler,
			provideAuthHandler,
			provideMessagesHandler,
			provideUnitsHandler,
			provideServer,
		),
		fx.Invoke(
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(context.Background(), db.Config{
		DSN:      cfg.Postgres.DSN(),
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideMessageService(log *slog.Logger, pool *pgxpool.Pool) *message.DBService {
	return message.NewService(log, pool)
}

func provideCredentials(cfg config.Config) (*auth.Credentials, error) {
	return auth.NewCredentials(cfg.Dashboard.Username, cfg.Dashboard.Password)
}

// connector is the lifecycle surface shared by the platform adapters.
type connector interface {
	Connect(ctx context.Context, handler bridge.InboundHandler) (func(), error)
	Probe(ctx context.Context) error
}

type platformRuntime struct {
	engine *bridge.Engine
	conn   connector
}

func provideEngines(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, msgService *message.DBService) ([]*bridge.Engine, error) {
	var runtimes []platformRuntime

	if cfg.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(log, telegram.Config{
			BotToken:    cfg.Telegram.BotToken,
			AdminChatID: cfg.Telegram.AdminChatID,
			Topics:      cfg.Telegram.Topics,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		engine := bridge.NewEngine(log, adapter, msgService, bridge.Config{
			UnitsEnabled:             cfg.Telegram.Topics,
			ManagementConversationID: cfg.Telegram.AdminChatID,
		})
		runtimes = append(runtimes, platformRuntime{engine: engine, conn: adapter})
	}

	if cfg.Discord.Enabled {
		adapter, err := discord.NewAdapter(log, discord.Config{
			BotToken:       cfg.Discord.BotToken,
			AdminChannelID: cfg.Discord.AdminChannelID,
			Threads:        cfg.Discord.Threads,
		})
		if err != nil {
			return nil, fmt.Errorf("discord adapter: %w", err)
		}
		engine := bridge.NewEngine(log, adapter, msgService, bridge.Config{
			UnitsEnabled:             cfg.Discord.Threads,
			ManagementConversationID: cfg.Discord.AdminChannelID,
		})
		runtimes = append(runtimes, platformRuntime{engine: engine, conn: adapter})
	}

	connCtx, cancel := context.WithCancel(context.Background())
	var stops []func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, rt := range runtimes {
				if err := rt.conn.Probe(ctx); err != nil {
					return fmt.Errorf("%s probe: %w", rt.engine.PlatformType(), err)
				}
				stop, err := rt.conn.Connect(connCtx, rt.engine.HandleInbound)
				if err != nil {
					return fmt.Errorf("%s connect: %w", rt.engine.PlatformType(), err)
				}
				stops = append(stops, stop)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, stop := range stops {
				stop()
			}
			cancel()
			return nil
		},
	})

	engines := make([]*bridge.Engine, 0, len(runtimes))
	for _, rt := range runtimes {
		engines = append(engines, rt.engine)
	}
	return engines, nil
}

func provideAuthHandler(log *slog.Logger, cfg config.Config, creds *auth.Credentials) (*handlers.AuthHandler, error) {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("parse jwt expires in: %w", err)
	}
	return handlers.NewAuthHandler(log, creds, cfg.Auth.JWTSecret, expiresIn), nil
}

func provideMessagesHandler(log *slog.Logger, msgService *message.DBService) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, msgService)
}

func provideUnitsHandler(log *slog.Logger, engines []*bridge.Engine) *handlers.UnitsHandler {
	return handlers.NewUnitsHandler(log, engines)
}

func provideServer(cfg config.Config, ping *handlers.PingHandler, authHandler *handlers.AuthHandler, web *handlers.WebHandler, messages *handlers.MessagesHandler, units *handlers.UnitsHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, ping, authHandler, web, messages, units)
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
