package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/config"
	"github.com/OzzMkl/backend-serverless-chat/internal/db"
	clog "github.com/OzzMkl/backend-serverless-chat/internal/log"
	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"
	"github.com/OzzMkl/backend-serverless-chat/internal/server"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func NewServerCommand() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:          "chat-server",
		Short:        "Presence and direct-messaging coordinator over WebSocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(cfg); err != nil {
				return err
			}
			clog.Init(cfg.Env, cfg.LogLevel)
			return run(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// stores 持有已打开的存储后端，close 按打开的逆序释放。
type stores struct {
	registry registry.Registry
	log      msglog.Log
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	s := &stores{}

	var gdb *gorm.DB
	if cfg.UsesPostgres() {
		var err error
		gdb, err = db.Connect(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		s.closers = append(s.closers, func() { _ = db.Close(gdb) })
		if err := db.Migrate(gdb); err != nil {
			s.close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
	}

	switch cfg.RegistryBackend {
	case config.BackendPostgres:
		s.registry = registry.NewPostgres(gdb)
	case config.BackendRedis:
		r, err := registry.NewRedis(cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, err
		}
		s.registry = r
		s.closers = append(s.closers, func() { _ = r.Close() })
	default:
		s.registry = registry.NewMemory()
	}

	switch cfg.LogBackend {
	case config.BackendPostgres:
		s.log = msglog.NewPostgres(gdb)
	case config.BackendMongo:
		m, err := msglog.NewMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			s.close()
			return nil, err
		}
		s.log = m
		s.closers = append(s.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.Close(ctx)
		})
	default:
		s.log = msglog.NewMemory()
	}

	log.Info().Str("registry", cfg.RegistryBackend).Str("log", cfg.LogBackend).Msg("stores ready")
	return s, nil
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	app := server.NewApp(cfg, st.registry, st.log)
	go app.Limiters.Run(ctx, 30*time.Second)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server run: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// 已升级的连接不受 Shutdown 管理，逐个关闭并等待断开事件处理完。
	app.Hub.CloseAll(cfg.ShutdownTimeout)
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := NewServerCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
