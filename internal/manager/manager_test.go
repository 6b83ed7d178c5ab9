package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/task"
	"github.com/nightofknife/aura/internal/tasklet"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

type testEnv struct {
	m    *Manager
	reg  *plugin.Registry
	root string

	gate    chan struct{}
	entered chan string
	state   atomic.Value // simulated device state for planning tests
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		root:    t.TempDir(),
		gate:    make(chan struct{}),
		entered: make(chan string, 16),
	}
	env.state.Store("stopped")

	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "tasks"), 0o755))
	write := func(name, body string) {
		path := filepath.Join(env.root, "tasks", name+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("greet", `
steps:
  - name: say
    action: "demo.echo"
    params:
      value: "hi"
returns:
  said: "{{ steps.say.output }}"
`)
	write("hold", `
steps:
  - name: wait
    action: "demo.block"
`)
	write("check_running", `
steps:
  - name: probe
    action: "demo.probe"
    params:
      expect: "running"
returns:
  result: "{{ steps.probe.output }}"
`)
	write("check_stopped", `
steps:
  - name: probe
    action: "demo.probe"
    params:
      expect: "stopped"
returns:
  result: "{{ steps.probe.output }}"
`)
	write("start_device", `
steps:
  - name: flip
    action: "demo.set_state"
    params:
      to: "running"
`)
	write("needs_running", `
meta:
  requires_state: running
steps:
  - name: say
    action: "demo.echo"
    params:
      value: "served"
returns:
  said: "{{ steps.say.output }}"
`)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "statemap.yaml"), []byte(`
states:
  stopped:
    check_task: check_stopped
  running:
    check_task: check_running
transitions:
  - from: stopped
    to: running
    task: start_device
    cost: 1
`), 0o644))

	env.reg = plugin.NewRegistry(nil)
	require.NoError(t, env.reg.AddPlugin(&plugin.Definition{
		Author: "test", Name: "demo", ID: "test/demo",
		Type: plugin.TypePlan, Path: env.root,
	}))
	register := func(name string, fn plugin.ActionFunc) {
		require.NoError(t, env.reg.RegisterAction(&plugin.ActionEntry{
			FQID: "demo." + name, Plan: "demo", Name: name, Fn: fn,
		}))
	}
	register("echo", func(ctx context.Context, call *plugin.Call) (any, error) {
		return call.Params["value"], nil
	})
	register("block", func(ctx context.Context, call *plugin.Call) (any, error) {
		env.entered <- "block"
		select {
		case <-env.gate:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	register("probe", func(ctx context.Context, call *plugin.Call) (any, error) {
		return env.state.Load() == call.Params["expect"], nil
	})
	register("set_state", func(ctx context.Context, call *plugin.Call) (any, error) {
		env.state.Store(call.Params["to"].(string))
		return nil, nil
	})

	loader := task.NewLoader(nil)
	loader.SetPlanRoot("demo", env.root)

	env.m = New(cfg, loader, nil, nil)
	env.m.Startup()
	t.Cleanup(func() { env.m.Shutdown(time.Second) })
	return env
}

func TestSubmitSuccess(t *testing.T) {
	env := newTestEnv(t, Config{})

	var mu sync.Mutex
	var hooks []string
	for _, point := range []string{
		plugin.HookBeforeTaskRun,
		plugin.HookAfterTaskSuccess,
		plugin.HookAfterTaskFailure,
		plugin.HookAfterTaskRun,
	} {
		point := point
		env.reg.RegisterHook(point, func(ctx context.Context, payload map[string]any) error {
			mu.Lock()
			hooks = append(hooks, point)
			mu.Unlock()
			return nil
		})
	}

	tl := tasklet.New("demo", "greet", nil)
	tfr, err := env.m.Submit(context.Background(), tl, env.reg)
	require.NoError(t, err)
	assert.Equal(t, "hi", tfr.UserData["said"])
	assert.Equal(t, tasklet.StatusSucceeded, tl.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		plugin.HookBeforeTaskRun,
		plugin.HookAfterTaskSuccess,
		plugin.HookAfterTaskRun,
	}, hooks)
}

func TestResourceCapBoundsConcurrency(t *testing.T) {
	env := newTestEnv(t, Config{
		GlobalCap:    8,
		ResourceCaps: map[string]int64{"device": 2},
	})

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tl := tasklet.New("demo", "hold", nil, tasklet.WithResources("device"))
			_, err := env.m.Submit(context.Background(), tl, env.reg)
			results <- err
		}()
	}

	// Two holders admit immediately; the third must wait on the tag.
	for i := 0; i < 2; i++ {
		select {
		case <-env.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("expected two admitted holders")
		}
	}
	select {
	case <-env.entered:
		t.Fatal("third tasklet ran past the resource cap")
	case <-time.After(100 * time.Millisecond):
	}

	close(env.gate)
	wg.Wait()
	close(results)
	for err := range results {
		assert.NoError(t, err)
	}
}

func TestSubmitTimeout(t *testing.T) {
	env := newTestEnv(t, Config{})

	tl := tasklet.New("demo", "hold", nil, tasklet.WithTimeout(50*time.Millisecond))
	_, err := env.m.Submit(context.Background(), tl, env.reg)
	require.Error(t, err)
	assert.ErrorIs(t, err, auraerr.ErrTimeout)
	assert.Equal(t, tasklet.StatusTimeout, tl.Status())
}

func TestSubmitCancelDuringRun(t *testing.T) {
	env := newTestEnv(t, Config{})

	tl := tasklet.New("demo", "hold", nil)
	done := make(chan error, 1)
	go func() {
		_, err := env.m.Submit(context.Background(), tl, env.reg)
		done <- err
	}()

	select {
	case <-env.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("holder never started")
	}
	tl.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, auraerr.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the submission")
	}
	assert.Equal(t, tasklet.StatusCancelled, tl.Status())
}

func TestAdmissionCancelReleasesNothing(t *testing.T) {
	env := newTestEnv(t, Config{GlobalCap: 1})

	first := tasklet.New("demo", "hold", nil)
	firstDone := make(chan struct{})
	go func() {
		env.m.Submit(context.Background(), first, env.reg)
		close(firstDone)
	}()
	select {
	case <-env.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first holder never started")
	}

	// The second waits on the global slot; cancelling it must fail the
	// admission without leaking a permit.
	second := tasklet.New("demo", "greet", nil)
	secondDone := make(chan error, 1)
	go func() {
		_, err := env.m.Submit(context.Background(), second, env.reg)
		secondDone <- err
	}()
	time.Sleep(50 * time.Millisecond)
	second.Cancel()
	select {
	case err := <-secondDone:
		assert.ErrorIs(t, err, auraerr.ErrCancelled)
		assert.Equal(t, tasklet.StatusCancelled, second.Status())
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled admission never returned")
	}

	close(env.gate)
	<-firstDone

	third := tasklet.New("demo", "greet", nil)
	tfr, err := env.m.Submit(context.Background(), third, env.reg)
	require.NoError(t, err)
	assert.Equal(t, "hi", tfr.UserData["said"])
}

func TestSubmitRunsStatePlanningFirst(t *testing.T) {
	env := newTestEnv(t, Config{})

	tl := tasklet.New("demo", "needs_running", nil)
	tfr, err := env.m.Submit(context.Background(), tl, env.reg)
	require.NoError(t, err)
	assert.Equal(t, "served", tfr.UserData["said"])
	assert.Equal(t, "running", env.state.Load(), "transition task must have run")
	assert.Equal(t, tasklet.StatusSucceeded, tl.Status())
}

func TestStatePlanningSubRunsStayOffTheBus(t *testing.T) {
	env := newTestEnv(t, Config{})
	events := bus.New(nil)
	env.m.events = events

	var mu sync.Mutex
	var started []string
	_, err := events.Subscribe(bus.ChannelAny, "task.started", func(ctx context.Context, e bus.Event) error {
		mu.Lock()
		started = append(started, e.Payload["run_id"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	tl := tasklet.New("demo", "needs_running", nil)
	tl.RunID = "demo/needs_running:1"
	_, err = env.m.Submit(context.Background(), tl, env.reg)
	require.NoError(t, err)
	require.Equal(t, "running", env.state.Load(), "transition task must have run")

	// Publish waits for callbacks, so everything emitted has been recorded.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"demo/needs_running:1"}, started,
		"transition and check runs must not surface on the bus")
}

func TestSubmitStatePlanningAlreadySatisfied(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.state.Store("running")

	tl := tasklet.New("demo", "needs_running", nil)
	_, err := env.m.Submit(context.Background(), tl, env.reg)
	require.NoError(t, err)
	assert.Equal(t, tasklet.StatusSucceeded, tl.Status())
}

func TestSubmitPlanningFailed(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.state.Store("nowhere") // no check matches

	tl := tasklet.New("demo", "needs_running", nil)
	_, err := env.m.Submit(context.Background(), tl, env.reg)
	require.Error(t, err)
	assert.True(t, auraerr.IsPlanningError(err))
	assert.Equal(t, tasklet.StatusPlanningFailed, tl.Status())
}

func TestSubmitUnknownPlan(t *testing.T) {
	env := newTestEnv(t, Config{})

	tl := tasklet.New("ghost", "greet", nil)
	_, err := env.m.Submit(context.Background(), tl, env.reg)
	assert.ErrorIs(t, err, auraerr.ErrUnknownPlan)
	assert.Equal(t, tasklet.StatusFailed, tl.Status())
}

func TestSubmitAfterShutdown(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.True(t, env.m.Shutdown(time.Second))

	tl := tasklet.New("demo", "greet", nil)
	_, err := env.m.Submit(context.Background(), tl, env.reg)
	assert.ErrorIs(t, err, auraerr.ErrSchedulerStopped)
}

func TestFailureHookCarriesKind(t *testing.T) {
	env := newTestEnv(t, Config{})

	var mu sync.Mutex
	var kind string
	env.reg.RegisterHook(plugin.HookAfterTaskFailure, func(ctx context.Context, payload map[string]any) error {
		mu.Lock()
		kind, _ = payload["kind"].(string)
		mu.Unlock()
		return nil
	})

	tl := tasklet.New("demo", "hold", nil, tasklet.WithTimeout(50*time.Millisecond))
	_, err := env.m.Submit(context.Background(), tl, env.reg)
	require.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(auraerr.FailureTimeout), kind)
}

func TestClassifyPassthrough(t *testing.T) {
	env := newTestEnv(t, Config{})
	tl := tasklet.New("demo", "greet", nil)
	plain := errors.New("boom")
	assert.Equal(t, plain, env.m.classify(context.Background(), tl, plain))
	assert.NoError(t, env.m.classify(context.Background(), tl, nil))
}
