package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ArionMiles/ledgerlink/internal/daemon"
	"github.com/ArionMiles/ledgerlink/pkg/config"
	"github.com/ArionMiles/ledgerlink/pkg/logging"
)

const usage = `ledgerctl manages the QuickBooks connection from the command line.

Usage:
  ledgerctl status            show connection health
  ledgerctl connect           print a consent link for the OAuth handshake
  ledgerctl sync [-force]     refresh accounts, classes and vendors
  ledgerctl submit <id>       push one expense as a purchase
  ledgerctl disconnect        revoke and deactivate the connection
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logCfg := logging.FromStrings(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel == "" {
		logCfg.Level = slog.LevelWarn
	}
	logger := logging.Setup(logCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, command string, args []string) error {
	switch command {
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	case "status", "connect", "sync", "submit", "disconnect":
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	components, closeDB, err := daemon.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	switch command {
	case "status":
		return runStatus(ctx, components)
	case "connect":
		return runConnect(components)
	case "sync":
		fs := flag.NewFlagSet("sync", flag.ContinueOnError)
		force := fs.Bool("force", false, "ignore the cache TTL")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runSync(ctx, components, *force)
	case "submit":
		if len(args) != 1 {
			return fmt.Errorf("submit takes exactly one expense id")
		}
		return runSubmit(ctx, components, args[0])
	default:
		return runDisconnect(ctx, components)
	}
}
