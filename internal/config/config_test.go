package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "plans", cfg.Paths.PlansDir)
	assert.Equal(t, 4, cfg.Scheduler.EventWorkers)
	assert.Equal(t, ":8765", cfg.API.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Planner.Backoff.Std())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paths:
  plans_dir: /srv/aura/plans
scheduler:
  event_workers: 8
  queue_size: 256
  global_cap: 16
  resource_caps:
    camera: 1
pools:
  io_workers: 32
  shutdown_grace: 5s
planner:
  max_replans: 2
  backoff: 250ms
reload:
  debounce: 1s
api:
  addr: "127.0.0.1:9000"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/aura/plans", cfg.Paths.PlansDir)
	assert.Equal(t, 8, cfg.Scheduler.EventWorkers)
	assert.Equal(t, int64(16), cfg.Scheduler.GlobalCap)
	assert.Equal(t, int64(1), cfg.Scheduler.ResourceCaps["camera"])
	assert.Equal(t, 5*time.Second, cfg.Pools.ShutdownGrace.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Planner.Backoff.Std())
	assert.Equal(t, time.Second, cfg.Reload.Debounce.Std())

	mc := cfg.ManagerConfig()
	assert.Equal(t, int64(16), mc.GlobalCap)
	assert.Equal(t, int64(32), mc.IOWorkers)
	assert.Equal(t, 2, mc.Planner.MaxReplans)

	sc := cfg.SchedulerConfig()
	assert.Equal(t, 256, sc.QueueSize)
	assert.Equal(t, time.Second, sc.ReloadDebounce)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reload:\n  debounce: soon\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadAddr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  addr: not-an-addr\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AURA_PLANS_DIR", "/opt/plans")
	t.Setenv("AURA_API_ADDR", ":7000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/plans", cfg.Paths.PlansDir)
	assert.Equal(t, ":7000", cfg.API.Addr)
}
