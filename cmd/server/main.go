package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/privchat/internal/account"
	"github.com/Tyrowin/privchat/internal/config"
	"github.com/Tyrowin/privchat/internal/conversation"
	"github.com/Tyrowin/privchat/internal/logging"
	"github.com/Tyrowin/privchat/internal/server"
	"github.com/Tyrowin/privchat/internal/session"
	"github.com/Tyrowin/privchat/internal/store"
	"github.com/Tyrowin/privchat/internal/token"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "privchat: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	tokens, err := token.New([]byte(cfg.Auth.SecretKey), cfg.Auth.TokenTTL.Duration())
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	resolver := session.NewResolver(tokens, st)
	metrics := server.NewMetrics()
	hub := server.NewHub(resolver, cfg.Server, logger, server.WithMetrics(metrics))

	api := server.NewAPI(server.Deps{
		Config:        cfg,
		Accounts:      account.NewService(st, tokens),
		Conversations: conversation.NewService(st),
		Resolver:      resolver,
		Hub:           hub,
		Store:         st,
		Metrics:       metrics,
		Logger:        logger,
	})
	httpServer := server.CreateServer(cfg.Server.Port, api.Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout.Duration()

		var errs []error
		if err := server.ShutdownServer(httpServer, timeout, logger); err != nil {
			errs = append(errs, err)
		}
		if err := hub.Shutdown(timeout); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	logger.Info("privchat started", "env", cfg.Env, "addr", cfg.Server.Port, "driver", cfg.Database.Driver)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("privchat stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*store.SQLStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.URL, logger)
	default:
		return store.OpenSQLite(ctx, cfg.URL, logger)
	}
}
