// Command relayd runs the relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/reverb/pkg/server"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Exit codes for the service manager
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var version = "dev"

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	configPath := flag.String("config", "~/.reverb/server.toml", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return exitOK, nil
	}

	// A missing .env is normal
	_ = godotenv.Load()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		return exitConfig, fmt.Errorf("config: %w", err)
	}

	logger, err := config.BuildLogger()
	if err != nil {
		return exitConfig, fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	authn, closeAuth, err := config.BuildAuthenticator()
	if err != nil {
		return exitConfig, fmt.Errorf("auth: %w", err)
	}
	defer func() {
		if err := closeAuth(); err != nil {
			logger.Warn("Failed to close credential store", zap.Error(err))
		}
	}()

	srv, err := server.NewServer(config.ToServerConfig(), authn, logger, server.WithConfigPath(*configPath))
	if err != nil {
		return exitRuntime, fmt.Errorf("server: %w", err)
	}

	logger.Info("Starting relay",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("auth_mode", config.Auth.Mode),
	)
	if err := srv.Start(); err != nil {
		return exitRuntime, fmt.Errorf("start: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutdown signal received")
	if err := srv.Stop(); err != nil {
		return exitRuntime, fmt.Errorf("stop: %w", err)
	}
	return exitOK, nil
}
