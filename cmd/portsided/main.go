// Command portsided is the backend daemon. It picks its own port from the
// preferred range, announces the result on stdout, and serves the API until
// told to stop via signal or, in sidecar mode, via the stdin shutdown
// command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/portside/portside/internal/backend"
	"github.com/portside/portside/internal/buildinfo"
	"github.com/portside/portside/internal/config"
	"github.com/portside/portside/internal/models"
)

func main() {
	var showVersion bool
	var configPath string
	var standalone bool

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.BoolVar(&standalone, "standalone", false, "run without a supervising host process")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if err := run(configPath, resolveMode(standalone, os.Getenv("STANDALONE_MODE")), logger); err != nil {
		logger.Printf("portsided: %v", err)
		os.Exit(1)
	}
}

// resolveMode picks sidecar unless standalone is requested by flag or the
// STANDALONE_MODE environment variable.
func resolveMode(standaloneFlag bool, env string) string {
	if standaloneFlag || strings.EqualFold(strings.TrimSpace(env), "true") {
		return models.ModeStandalone
	}
	return models.ModeSidecar
}

func run(configPath, mode string, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := backend.NewServer(backend.Options{
		Host:           cfg.Host,
		PortRangeStart: cfg.PortRangeStart,
		PortRangeEnd:   cfg.PortRangeEnd,
		Mode:           mode,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	if mode == models.ModeSidecar {
		go backend.WatchStdin(os.Stdin, logger, cancel)
	}

	logger.Printf("portsided: starting in %s mode (%s)", mode, buildinfo.String())
	return srv.Run(ctx, os.Stdout)
}
