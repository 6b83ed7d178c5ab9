package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightofknife/aura/internal/bus"
	_ "github.com/nightofknife/aura/internal/corelib"
	"github.com/nightofknife/aura/internal/manager"
	"github.com/nightofknife/aura/internal/metrics"
	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/scheduler"
	"github.com/nightofknife/aura/internal/task"
)

type apiFixture struct {
	ts     *httptest.Server
	events *bus.Bus
	sched  *scheduler.Scheduler
	srv    *Server

	// finished records task.finished run ids from fixture creation onward,
	// so waits started after a fast run completed still observe it.
	finishedMu sync.Mutex
	finished   map[string]struct{}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	root := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("hello/manifest.yaml", "author: tester\nname: hello\ntype: plan\n")
	write("hello/tasks/say_hello.yaml", `
inputs:
  - name: name
    type: string
    required: true
steps:
  - name: print_greeting
    action: "core.log"
    params:
      message: "Hello, {{ inputs.name }}!"
returns:
  greeting: "{{ steps.print_greeting.output }}"
`)
	write("hello/tasks/quick.yaml", "steps:\n  - name: nothing\n    action: \"core.noop\"\n")
	write("hello/tasks/count_to.yaml", `
inputs:
  - name: count
    type: integer
    required: true
steps:
  - name: nothing
    action: "core.noop"
`)

	events := bus.New(nil)
	f := &apiFixture{events: events, finished: make(map[string]struct{})}
	_, err := events.Subscribe(bus.ChannelAny, "task.finished", func(ctx context.Context, e bus.Event) error {
		if id, _ := e.Payload["run_id"].(string); id != "" {
			f.finishedMu.Lock()
			f.finished[id] = struct{}{}
			f.finishedMu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	tasks := task.NewLoader(nil)
	plugins := plugin.NewLoader(root, "", nil)
	mgr := manager.New(manager.Config{}, tasks, events, nil)
	sched := scheduler.New(scheduler.Config{}, plugins, tasks, mgr, events, nil)
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	m := metrics.New()
	require.NoError(t, m.Bind(events))

	srv, err := New(":0", sched, tasks, events, m, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.hub.Close() })
	f.ts, f.sched, f.srv = ts, sched, srv
	return f
}

func (f *apiFixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) waitFinished(t *testing.T, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.finishedMu.Lock()
		_, ok := f.finished[runID]
		f.finishedMu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", runID)
}

func TestSystemStatus(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/api/system/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["started"])
	queues := body["queues"].(map[string]any)
	assert.Contains(t, queues, "main")
	assert.Contains(t, queues, "interrupt")
}

func TestPlansAndTasks(t *testing.T) {
	f := newAPIFixture(t)
	_, body := f.get(t, "/api/plans")
	assert.Equal(t, []any{"hello"}, body["plans"])

	_, body = f.get(t, "/api/plans/hello/tasks")
	assert.ElementsMatch(t, []any{"count_to", "quick", "say_hello"}, body["tasks"])
}

func TestTaskRunRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.post(t, "/api/tasks/run", map[string]any{
		"plan":   "hello",
		"task":   "say_hello",
		"inputs": map[string]any{"name": "API"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	runID := body["cid"].(string)
	require.NotEmpty(t, runID)
	f.waitFinished(t, runID)
}

// Integer inputs arrive as float64 after JSON decoding and must still bind.
func TestTaskRunAcceptsIntegerInputs(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.post(t, "/api/tasks/run", map[string]any{
		"plan":   "hello",
		"task":   "count_to",
		"inputs": map[string]any{"count": 3},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.waitFinished(t, body["cid"].(string))
}

func TestTaskRunValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.post(t, "/api/tasks/run", map[string]any{"plan": "ghost", "task": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", body["status"])
	assert.NotEmpty(t, body["message"])

	resp, _ = f.post(t, "/api/tasks/run", map[string]any{"plan": "hello"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing task field")
}

func TestTaskBatchMixedResults(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.post(t, "/api/tasks/batch", map[string]any{
		"tasks": []map[string]any{
			{"plan": "hello", "task": "quick"},
			{"plan": "ghost", "task": "quick"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	second := results[1].(map[string]any)
	assert.Equal(t, "success", first["status"])
	assert.Equal(t, "error", second["status"])
	f.waitFinished(t, first["cid"].(string))
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.post(t, "/api/tasks/cancel", map[string]any{"run_id": "hello/quick:0"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "cancel is idempotent for unknown runs")
}

func TestQueueEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/api/queue/overview")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["queues"].([]any), 3)

	resp, body = f.get(t, "/api/queue/list?state=ready&limit=10")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["state"])

	resp, _ = f.get(t, "/api/queue/list?state=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "aura_")
}

func TestWebSocketEventStream(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, f.events.Publish(context.Background(),
		bus.NewEvent("demo.ping", map[string]any{"n": 1})))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == "event" && frame.Payload["name"] == "demo.ping" {
			return
		}
	}
}

func TestLogFanoutStreamsRecords(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	logger := slog.New(NewLogFanout(slog.NewTextHandler(io.Discard, nil), f.srv.hub))
	logger.Info("streamed line", "k", "v")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == "log" && frame.Payload["message"] == "streamed line" {
			fields := frame.Payload["fields"].(map[string]any)
			assert.Equal(t, "v", fields["k"])
			return
		}
	}
}
