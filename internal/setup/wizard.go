package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/phytovigil/phytosync/internal/api"
	"github.com/phytovigil/phytosync/internal/config"
	"github.com/phytovigil/phytosync/internal/secure"
)

// Wizard guides the user through first-run configuration: backend
// connection, token storage, and sync preferences.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// staticToken adapts a literal token string to the [api.TokenSource]
// interface, used to verify credentials before they are stored.
type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// Run executes the interactive setup wizard. It walks the user through
// backend connection, conflict strategy, sync interval, and config file
// creation. The access token goes into the encrypted blob store, never into
// the config file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to phytosync Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects your device to a PhytoVigil backend.\n\n")

	cfgPath, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: Backend connection.
	fmt.Fprintf(wiz.w, "Step 1/4 — Backend Connection\n")

	serverURL := wiz.prompt.String("Server URL", "https://api.phytovigil.example.com")
	token := wiz.prompt.Secret("Access token")

	fmt.Fprintf(wiz.w, "  Connecting to backend...")
	client := api.NewClient(serverURL, staticToken(token), 15*time.Second, wiz.logger)
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach backend: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")

	// Step 2: Conflict strategy.
	fmt.Fprintf(wiz.w, "Step 2/4 — Conflict Strategy\n")

	strategies := []string{
		"last_write_wins (newest edit wins, local edits are pushed back up)",
		"prefer_server (server wins, local values fill in missing fields)",
	}
	idx, err := wiz.prompt.Select("How should conflicting edits be settled?", strategies)
	if err != nil {
		return fmt.Errorf("selecting conflict strategy: %w", err)
	}
	strategy := "last_write_wins"
	if idx == 1 {
		strategy = "prefer_server"
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Sync interval.
	fmt.Fprintf(wiz.w, "Step 3/4 — Sync Interval\n")

	intervalStr := wiz.prompt.String("How often to run a periodic sync cycle? (30s–1h)", "5m")
	interval, parseErr := time.ParseDuration(intervalStr)
	if parseErr != nil {
		interval = 5 * time.Minute
		fmt.Fprintf(wiz.w, "  (invalid duration, using default 5m)\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Save configuration and token.
	fmt.Fprintf(wiz.w, "Step 4/4 — Save Configuration\n")

	cfg := &config.Config{
		ServerURL:        serverURL,
		SyncInterval:     interval,
		ConflictStrategy: strategy,
	}
	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n", cfgPath)

	blobs, err := secure.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening secure store: %w", err)
	}
	if err := blobs.SetToken(token); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Access token stored encrypted in %s\n\n", cfg.DataDir)

	fmt.Fprintf(wiz.w, "Setup complete! Start syncing with:\n")
	fmt.Fprintf(wiz.w, "  phytosync daemon      # periodic background sync\n")
	fmt.Fprintf(wiz.w, "  phytosync sync-once   # single cycle\n")
	fmt.Fprintf(wiz.w, "  phytosync status      # current sync status\n\n")

	return nil
}
