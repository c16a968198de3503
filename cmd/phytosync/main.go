// Phytosync keeps a device's PhytoVigil data (plants, disease scans, care
// activities) in sync with the backend while tolerating intermittent
// connectivity. Local mutations queue up offline and drain once the backend
// is reachable again; conflicting edits are settled by a configurable
// strategy.
//
// Usage:
//
//	phytosync setup                     # interactive first-run wizard
//	phytosync daemon [--config <path>]  # periodic sync loop
//	phytosync sync-once [--config ...]  # single sync cycle then exit
//	phytosync status                    # show config & sync state
//	phytosync version                   # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phytovigil/phytosync/internal/api"
	"github.com/phytovigil/phytosync/internal/config"
	"github.com/phytovigil/phytosync/internal/model"
	"github.com/phytovigil/phytosync/internal/netmon"
	"github.com/phytovigil/phytosync/internal/secure"
	"github.com/phytovigil/phytosync/internal/setup"
	"github.com/phytovigil/phytosync/internal/store"
	syncp "github.com/phytovigil/phytosync/internal/sync"
	"github.com/phytovigil/phytosync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "version":
		fmt.Println("phytosync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'phytosync' for usage", cmd)
	}
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "phytosync — offline-first sync for PhytoVigil")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  phytosync setup                  Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  phytosync daemon [--config ...]   Run the periodic sync loop")
	fmt.Fprintln(os.Stderr, "  phytosync sync-once [--config ..] Single sync cycle then exit")
	fmt.Fprintln(os.Stderr, "  phytosync status                  Show config & sync state")
	fmt.Fprintln(os.Stderr, "  phytosync version                 Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'phytosync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runStatus prints the configuration and last persisted sync state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()

	fmt.Println("phytosync Status")
	fmt.Println("────────────────")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config:     not usable (%v)\n", err)
		fmt.Println("\nRun 'phytosync setup' to get started.")
		return nil
	}
	fmt.Printf("  Config:     %s ✓\n", cfgPath)
	fmt.Printf("  Server:     %s\n", cfg.ServerURL)
	fmt.Printf("  Interval:   %s\n", cfg.SyncInterval)
	fmt.Printf("  Strategy:   %s\n", cfg.ConflictStrategy)

	dbPath := store.DefaultDBPath(cfg.DataDir)
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Local DB:   %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  Local DB:   not found\n")
	}

	blobs, err := secure.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening secure store: %w", err)
	}

	if data, err := blobs.Get(secure.StatusKey); err == nil {
		var status model.Status
		if json.Unmarshal(data, &status) == nil {
			if status.LastSyncTime != nil {
				fmt.Printf("  Last sync:  %s\n", status.LastSyncTime.Local().Format(time.RFC1123))
			} else {
				fmt.Printf("  Last sync:  never\n")
			}
			fmt.Printf("  Pending:    %d upload(s)\n", status.PendingUploads)
			if n := len(status.Errors); n > 0 {
				last := status.Errors[n-1]
				fmt.Printf("  Errors:     %d recorded, last: [%s] %s\n", n, last.Type, last.Message)
			} else {
				fmt.Printf("  Errors:     none\n")
			}
		}
	} else {
		fmt.Printf("  Last sync:  never (no sync state yet)\n")
	}

	if token, err := blobs.Token(); err == nil && token != "" {
		fmt.Printf("  Token:      stored ✓\n")
	} else {
		fmt.Printf("  Token:      missing — run 'phytosync setup'\n")
	}

	return nil
}

// --- Sync core ---------------------------------------------------------------

// startSync is the shared implementation for daemon and sync-once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"server_url", cfg.ServerURL,
		"sync_interval", cfg.SyncInterval,
		"conflict_strategy", cfg.ConflictStrategy,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Secure store & local DB ---------------------------------------------

	blobs, err := secure.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening secure store: %w", err)
	}
	if token, tokErr := blobs.Token(); tokErr != nil || token == "" {
		return fmt.Errorf("no access token stored — run 'phytosync setup' first")
	}

	dbPath := store.DefaultDBPath(cfg.DataDir)
	local, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening local DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := local.Close(); closeErr != nil {
			logger.Error("closing local DB", "error", closeErr)
		}
	}()
	logger.Info("local DB opened", "path", dbPath)

	// --- Backend client & connectivity monitor -------------------------------

	client := api.NewClient(cfg.ServerURL, blobs, cfg.RequestTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var engine *syncp.Engine
	probe := func(ctx context.Context) bool { return client.ProbeHealth(ctx) == nil }

	// The reconnect trigger is a daemon concern. In sync-once mode the
	// monitor must not spawn a background cycle that races the foreground
	// TriggerSync for the cycle guard.
	var onChange func(bool)
	if daemon {
		onChange = func(online bool) {
			if engine != nil {
				engine.OnConnectivityChange(ctx, online)
			}
		}
	}
	monitor := netmon.New(probe, cfg.ProbeInterval, onChange, logger)

	// --- Sync engine ---------------------------------------------------------

	var resolver syncp.Resolver = syncp.LastWriteWins{}
	if cfg.ConflictStrategy == "prefer_server" {
		resolver = syncp.PreferServerMerge{}
	}

	queue := syncp.NewQueue(blobs, logger)
	status := syncp.NewTracker(blobs, logger)
	engine = syncp.NewEngine(client, local, queue, status, monitor, resolver, cfg.SyncInterval, logger)

	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("initialising sync engine: %w", err)
	}

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		logger.Info("running single sync cycle")
		monitor.SetOnline(probe(ctx))
		if !monitor.Online() {
			return fmt.Errorf("backend at %q is unreachable — check server_url and your connection", cfg.ServerURL)
		}
		status.SetOnline(true)
		if err := engine.TriggerSync(ctx); err != nil {
			return fmt.Errorf("sync cycle: %w", err)
		}
		final := status.Snapshot()
		logger.Info("sync complete",
			"last_sync", final.LastSyncTime,
			"pending_uploads", final.PendingUploads,
			"errors", len(final.Errors),
		)
		return nil
	}

	// daemon mode
	logger.Info("daemon starting", "sync_interval", cfg.SyncInterval, "probe_interval", cfg.ProbeInterval)
	go monitor.Watch(ctx)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
