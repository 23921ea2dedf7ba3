// Package cli is the command-line entry point of the Nitro Repo server. It
// loads the installer-produced configuration, initializes the database and
// the registry, starts the HTTP server and handles graceful shutdown.
//
// Exit codes: 0 on clean shutdown, 1 on configuration or database
// initialization errors, 130 on SIGINT.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"nitro.evalgo.org/api"
	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/common"
	"nitro.evalgo.org/config"
	"nitro.evalgo.org/db"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/registry"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/repository/maven"
	"nitro.evalgo.org/repository/npm"
	"nitro.evalgo.org/session"
	"nitro.evalgo.org/storage"
	"nitro.evalgo.org/version"
)

var cfgFile string

// RootCmd runs the repository server.
var RootCmd = &cobra.Command{
	Use:   "nitro_repo",
	Short: "Nitro Repo artifact repository manager",
	Long: `Nitro Repo is a multi-tenant artifact repository manager serving Maven
and NPM repositories over their native wire protocols.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./nitro_repo.toml)")
	RootCmd.SilenceUsage = true
}

// Execute runs the root command and maps failures to exit codes.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("service failed to start")
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Application.LogLevel, cfg.Application.LogFormat)
	common.Logger.Infof("starting %s %s", cfg.Application.Name, version.Version)

	handle, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(handle); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	warnLegacyTokens(handle)

	sessions, err := buildSessionManager(cfg.Session)
	if err != nil {
		return err
	}

	authStore := auth.NewStore(handle)
	deps := &repository.Deps{
		DB:      handle,
		Configs: repository.NewConfigStore(handle),
		Index:   index.New(handle),
		Auth:    authStore,
	}
	reg := registry.New(handle, storage.NewFactorySet(), deps)
	reg.RegisterRepositoryFactory(maven.NewFactory())
	reg.RegisterRepositoryFactory(npm.NewFactory())
	if err := reg.LoadAll(context.Background()); err != nil {
		return fmt.Errorf("failed to load repositories: %w", err)
	}

	server := &api.Server{
		Config:        cfg,
		Registry:      reg,
		Auth:          authStore,
		Authenticator: &auth.Authenticator{Store: authStore, Sessions: sessions},
		Sessions:      sessions,
		Index:         deps.Index,
	}
	e := server.NewEcho()
	httpServer := &http.Server{
		Addr:         cfg.Application.BindAddress,
		ReadTimeout:  cfg.Application.ReadTimeout,
		WriteTimeout: cfg.Application.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		common.Logger.Infof("listening on %s", cfg.Application.BindAddress)
		if err := e.StartServer(httpServer); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-errCh:
		common.Logger.WithError(err).Error("HTTP server failed")
		exitCode = 1
	case sig := <-signals:
		common.Logger.Infof("received %s, shutting down", sig)
		if sig == syscall.SIGINT {
			exitCode = 130
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Error("graceful shutdown failed")
	}
	// Stop the session sweeper first, then release the storages.
	if err := sessions.Close(); err != nil {
		common.Logger.WithError(err).Error("failed to close session manager")
	}
	reg.UnloadAll(shutdownCtx)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func buildSessionManager(cfg config.SessionConfig) (session.Manager, error) {
	switch cfg.Manager {
	case "", "basic":
		return session.NewBasicManager(cfg.Lifetime, cfg.SweepInterval), nil
	case "redis":
		return session.NewRedisManager(context.Background(), cfg.RedisURL, cfg.Lifetime)
	default:
		return nil, fmt.Errorf("unknown session manager %q", cfg.Manager)
	}
}

// warnLegacyTokens surfaces auth-token rows that predate hashed storage.
// Those rows never verify; the operator regenerates the tokens.
func warnLegacyTokens(handle *gorm.DB) {
	var count int64
	err := handle.Model(&auth.AuthToken{}).
		Where("LENGTH(token_hash) <> ?", 44).
		Count(&count).Error
	if err != nil {
		common.Logger.WithError(err).Warn("failed to scan for legacy auth tokens")
		return
	}
	if count > 0 {
		common.Logger.Errorf("%d auth tokens use legacy unhashed storage and will never verify; regenerate them", count)
	}
}
