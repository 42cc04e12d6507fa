package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kellerow/modmount/pkg/modmount/config"
)

func TestConfigWatcherFiresOnOverrideChange(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseDir = t.TempDir()

	w, err := NewConfigWatcher(cfg)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go w.Run(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	// Give the watcher goroutine a moment to start consuming events.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(cfg.OverridesPath(), []byte("[modules]\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("config change never observed")
	}
}

func TestConfigWatcherIgnoresUnrelatedFiles(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseDir = t.TempDir()

	w, err := NewConfigWatcher(cfg)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go w.Run(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(cfg.BaseDir+"/random.txt", []byte("x"), 0o644))

	select {
	case <-changed:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
