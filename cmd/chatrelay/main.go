// chatrelay - Loopback relay for a shared browser-automation bridge.
// Accepts many MCP-client peers and one extension peer, routes frames
// between them, and tracks long-running browser operations durably.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/relay"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("chatrelay", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, buffer, err := logging.New(cfg.Log.Level, cfg.Log.BufferCap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	metrics.Register()

	setLevel := func(level string) error {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return err
		}
		logging.SetLevel(l)
		return nil
	}

	svc := relay.New(log.Named("relay"), cfg, buffer, setLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("chatrelay starting",
		zap.String("version", version),
		zap.Int("port", cfg.Relay.Port),
		zap.String("rest", cfg.Relay.RESTListen),
		zap.String("store", cfg.Ops.StorePath))

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("chatrelay exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("chatrelay stopped")
}
