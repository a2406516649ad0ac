// extensiond - The extension-side peer of the chatrelay bridge.
// Connects to the relay, registers as the single extension peer, and drives
// the browser automation bridge through the capability endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logging"
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
		fmt.Println("extensiond", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, _, err := logging.New(cfg.Log.Level, cfg.Log.BufferCap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	caps := capability.NewHTTPClient(cfg.Extension.CapabilityEndpoint,
		time.Duration(cfg.Ops.ResponseDeadlineMs)*time.Millisecond)
	rt := newRuntime(log.Named("extensiond"), cfg, caps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("extensiond starting",
		zap.String("version", version),
		zap.Int("relay_port", cfg.Relay.Port),
		zap.String("transport", cfg.Extension.Transport))

	if err := rt.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("extensiond exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("extensiond stopped")
}
