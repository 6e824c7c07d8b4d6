// Command xbridged runs the Xbox bridge as a standalone daemon. Without a
// complete config it prints setup instructions; with -setup it runs the
// device-code wizard and exits once authorization completes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xbridge/xbridge"
	"github.com/xbridge/xbridge/ucapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "config.json", "path to the config document")
		logLevel     = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		runSetup     = flag.Bool("setup", false, "run the device-code setup wizard and exit")
		clientID     = flag.String("client-id", "", "OAuth application client ID (setup)")
		clientSecret = flag.String("client-secret", "", "OAuth application client secret, if confidential (setup)")
		liveID       = flag.String("liveid", "", "console Live ID (setup)")
		name         = flag.String("name", "", "console display name (setup)")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("bad log level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := xbridge.NewFileStore(*configPath)
	if *runSetup {
		return setupWizard(ctx, store, logger, xbridge.SetupRequest{
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			LiveID:       *liveID,
			Name:         *name,
		})
	}

	bridge := xbridge.New(store, ucapi.NewLogAPI(logger), xbridge.WithLogger(logger))
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed starting bridge: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return bridge.Close(closeCtx)
}

func setupWizard(ctx context.Context, store xbridge.ConfigStore, logger *slog.Logger, req xbridge.SetupRequest) error {
	setup := xbridge.NewSetup(store, xbridge.WithSetupLogger(logger))
	grant, err := setup.Begin(ctx, req)
	if err != nil {
		return fmt.Errorf("failed starting setup: %w", err)
	}

	fmt.Printf("Visit %s and enter code %s\n", grant.VerificationURI, grant.UserCode)
	fmt.Println("Waiting for authorization...")

	if err := setup.Wait(ctx); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	fmt.Println("Authorization complete. Start the daemon without -setup.")
	return nil
}
