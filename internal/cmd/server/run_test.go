package serverrun

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/corveehq/corvee/internal/config"
	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
)

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.Heartbeat.PingIntervalMs = 0

	if err := Run(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunStartsAndStops(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.HTTPAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: cfg, Fsync: pebblestore.FsyncModeNever})
	}()

	// Give the server a moment to come up, then shut it down.
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
