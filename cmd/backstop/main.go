package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"backstop/internal/app"
	"backstop/internal/config"
)

const (
	exitOK      = 0
	exitFailure = 1
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func run() int {
	var (
		configPath  string
		showVersion bool
		checkOnly   bool
	)

	flag.StringVar(&configPath, "config", "backstop.toml", "TOML config file or directory of *.toml snippets")
	flag.BoolVar(&showVersion, "version", false, "print build information and exit")
	flag.BoolVar(&checkOnly, "check", false, "validate config and exit")
	flag.Parse()

	switch {
	case showVersion:
		fmt.Printf("backstop version=%s commit=%s date=%s\n", version, commit, date)
		return exitOK
	case checkOnly:
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
			return exitFailure
		}
		fmt.Printf("config ok: listen=%s relays=%d publish_prefixes=%d\n", cfg.HTTP.Listen, len(cfg.Relay), len(cfg.Publish.Prefixes))
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := forwardReloads(ctx)
	if err := app.Run(ctx, app.Runtime{ConfigPath: configPath, Reload: reload, Version: version}); err != nil {
		fmt.Fprintf(os.Stderr, "backstop: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// forwardReloads turns SIGHUP into reload requests. Bursts collapse into one pending request.
func forwardReloads(ctx context.Context) <-chan struct{} {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	reload := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()
	return reload
}

func main() {
	os.Exit(run())
}
