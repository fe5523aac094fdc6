// Package main is the entry point for the protodap debug adapter
// server. It listens on a TCP port and serves one debug session per
// accepted IDE connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dshills/protodap/internal/config"
	"github.com/dshills/protodap/internal/server"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

const (
	minPort = 4000
	maxPort = 99999
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port        int
		configPath  string
		showVersion bool
	)
	flag.IntVar(&port, "port", 0, "TCP port to listen on (4000-99999)")
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Protodap - domain-parametric debug adapter server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: protodap --port=<PORT> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("Protodap %s (%s)\n", version, commit)
		return 0
	}

	if port < minPort || port > maxPort {
		fmt.Fprintf(os.Stderr, "Error: --port must be between %d and %d\n", minPort, maxPort)
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	applyLogLevel(cfg)

	if configPath != "" {
		watcher, err := config.Watch(configPath, applyLogLevel)
		if err != nil {
			logrus.WithError(err).Warn("config watching disabled")
		} else {
			defer watcher.Close()
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, ln, cfg); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		logrus.WithError(err).Error("listener failed")
		return 1
	}
	return 0
}

func applyLogLevel(cfg config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithField("level", cfg.LogLevel).Warn("invalid log level; keeping previous")
		return
	}
	logrus.SetLevel(level)
}
