package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asheshgoplani/ttydeck/internal/config"
	"github.com/asheshgoplani/ttydeck/internal/logging"
	"github.com/asheshgoplani/ttydeck/internal/web"
)

// handleTermserve runs the built-in terminal server. It accepts the same
// flags as ttyd so the lifecycle manager can spawn either binary.
func handleTermserve(args []string) int {
	wcfg, err := web.ParseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: ttydeck termserve [-p port] [-i iface] [-c user:pass] [-W] [-o] [-m n] [--token T] -- command [args]")
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	// A broken config file must not keep a spawned server from serving.
	if cfg, err := config.LoadDefault(); err == nil {
		initLogging(cfg)
	}
	defer logging.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err := web.Run(ctx, wcfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
