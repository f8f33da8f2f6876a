package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Watch is a blocking loop, so callers must run it on its own goroutine.
func TestWatchBlocksUntilCancelled(t *testing.T) {
	path := writeConfig(t, `{ defaults: { max_agents: 2 } }`)
	cfg, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cfg.Watch(ctx, path, nil) }()

	select {
	case err := <-done:
		t.Fatalf("watch returned while context was live: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `{ defaults: { max_agents: 2 } }`)
	cfg, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	go func() {
		_ = cfg.Watch(ctx, path, func() {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{ defaults: { max_agents: 9 } }`), 0600))

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
	assert.Equal(t, 9, cfg.Defaults.MaxAgents)
}
