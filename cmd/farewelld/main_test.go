package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/farewell/farewelld/internal/config"
	"github.com/farewell/farewelld/internal/state"
)

const seedYAML = `removals:
  - code: R-001
    pet_name: Bolt
    modality: individual-gold
    status: awaiting-junior-finance
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(seed, []byte(seedYAML), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.AttachmentDir = filepath.Join(dir, "attachments")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.SeedFile = seed
	return cfg
}

func TestChatSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChatInactivityTimeout = time.Minute
	cfg.ChatAutoReplyText = "hi"
	s := chatSettings(cfg)
	if s.InactivityTimeout != time.Minute || s.AutoReplyText != "hi" {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.BotName == "" {
		t.Fatalf("expected default bot name to be kept")
	}
}

func TestOpenStoreSeedsMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	store, closer, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if closer != nil {
		t.Fatalf("memory store should not need closing")
	}
	if _, err := store.Removal(context.Background(), "R-001"); err != nil {
		t.Fatalf("expected seeded removal: %v", err)
	}
}

func TestOpenStoreSQLiteReseedsOnRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "farewell.db")
	for i := 0; i < 2; i++ {
		_, closer, err := openStore(context.Background(), cfg)
		if err != nil {
			t.Fatalf("openStore pass %d: %v", i, err)
		}
		closer.Close()
	}
}

func TestRunOnceRestoresAndReleasesExpiredSlots(t *testing.T) {
	cfg := testConfig(t)
	snap := state.NewFile(cfg.StateDir)
	if err := snap.SaveBookings(map[string]string{"2024-06-03-11:00": "R-001", "2099-01-01-fit-in": "R-001"}); err != nil {
		t.Fatalf("save bookings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := run(ctx, cfg, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := snap.LoadBookings()
	if err != nil {
		t.Fatalf("load bookings: %v", err)
	}
	if _, ok := got["2024-06-03-11:00"]; ok {
		t.Fatalf("expected past slot to be released, got %v", got)
	}
	if got["2099-01-01-fit-in"] != "R-001" {
		t.Fatalf("expected fit-in slot to be kept, got %v", got)
	}
}

func TestRunRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus"
	if err := run(context.Background(), cfg, true); err == nil {
		t.Fatalf("expected timezone error")
	}
}
