package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/meshcore/hub/internal/logger"
	"github.com/meshcore/hub/pkg/config"
	"github.com/meshcore/hub/pkg/mesh/channel"
)

const (
	Version   = "0.1.0"
	BuildDate = "2026-07-29"
)

func main() {
	configPath := flag.String("config", "config/hub.yaml", "path to the hub configuration file")
	pidFile := flag.String("pid-file", "", "optional path to write the process id to")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshhub v%s (build: %s)\n", Version, BuildDate)
		os.Exit(0)
	}

	printBanner()

	if *pidFile != "" {
		if err := writePIDFile(*pidFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write pid file: %v\n", err)
			os.Exit(1)
		}
		defer os.Remove(*pidFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
		fmt.Fprintf(os.Stderr, "[WARN] could not load config from %s, using defaults: %v\n", *configPath, err)
	}

	if err := logger.Init(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", err)
	}

	log.Info("starting mesh hub", "version", Version, "config", *configPath)

	ch, err := channel.New(cfg)
	if err != nil {
		log.Fatal("failed to wire mesh channel", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ch.Start(ctx); err != nil {
		log.Fatal("failed to start mesh channel", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		log.Info("received signal", "signal", sig.String())

		if sig == syscall.SIGHUP {
			if err := config.Reload(*configPath); err != nil {
				log.Warn("failed to reload configuration", "error", err.Error())
				continue
			}
			reloaded := config.Get()
			log.Info("configuration reloaded", "config", *configPath,
				"tcp_port", reloaded.Node.TCPPort, "udp_port", reloaded.Node.UDPPort)
			// live subsystems keep running on their original settings until restart
			continue
		}

		break
	}

	log.Info("shutting down")
	ch.Stop()
	log.Info("shutdown complete")
}

func printBanner() {
	banner := `
------------------------------------------------
  Mesh Hub v%s
  LAN Device Mesh Coordinator
------------------------------------------------
  Build: %s
------------------------------------------------

`
	fmt.Printf(banner, Version, BuildDate)
}

func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}
