package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var got atomic.Int64
	_, err := b.Subscribe(ChannelAny, "task.*", func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewEvent("task.started", nil)))
	require.NoError(t, b.Publish(ctx, NewEvent("node.started", nil)))

	assert.Equal(t, int64(1), got.Load())
}

func TestGlobMatching(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"task.*", "task.started", true},
		{"task.*", "task.finished", true},
		{"task.*", "queue.enqueued", false},
		{"*", "anything.at.all", true},
		{"task.finishe?", "task.finished", true},
		{"task.finishe?", "task.finishedd", false},
		{"node.started", "node.started", true},
		{"node.started", "node.start", false},
	}
	for _, tt := range tests {
		sub := &Subscription{Channel: ChannelAny, Pattern: tt.pattern}
		got := sub.Matches(Event{Name: tt.name, Channel: ChannelAny})
		assert.Equal(t, tt.want, got, "pattern=%s name=%s", tt.pattern, tt.name)
	}
}

func TestChannelFilter(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var anyCh, uiCh atomic.Int64
	_, err := b.Subscribe(ChannelAny, "*", func(ctx context.Context, e Event) error {
		anyCh.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("ui", "*", func(ctx context.Context, e Event) error {
		uiCh.Add(1)
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("task.started", nil)
	ev.Channel = "internal"
	require.NoError(t, b.Publish(ctx, ev))

	assert.Equal(t, int64(1), anyCh.Load(), "wildcard channel sees every event")
	assert.Equal(t, int64(0), uiCh.Load(), "mismatched channel is filtered")
}

func TestCallbackFailureIsIsolated(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var delivered atomic.Int64
	_, err := b.Subscribe(ChannelAny, "*", func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ChannelAny, "*", func(ctx context.Context, e Event) error {
		panic("much worse")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ChannelAny, "*", func(ctx context.Context, e Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewEvent("task.started", nil)))
	assert.Equal(t, int64(1), delivered.Load(), "healthy callback still runs")
}

func TestClearTransientKeepsPersistent(t *testing.T) {
	b := New(nil)

	_, err := b.Subscribe(ChannelAny, "a.*", func(ctx context.Context, e Event) error { return nil })
	require.NoError(t, err)
	keep, err := b.Subscribe(ChannelAny, "b.*", func(ctx context.Context, e Event) error { return nil }, Persistent())
	require.NoError(t, err)

	b.ClearTransient()

	require.Equal(t, 1, b.SubscriptionCount())
	b.Unsubscribe(keep)
	require.Equal(t, 0, b.SubscriptionCount())
}

// Two publishes with no subscription change in between must deliver to the
// same matching set.
func TestSnapshotStability(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var first, second atomic.Int64
	_, err := b.Subscribe(ChannelAny, "x.*", func(ctx context.Context, e Event) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ChannelAny, "x.?", func(ctx context.Context, e Event) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("x.y", nil)
	require.NoError(t, b.Publish(ctx, ev))
	require.NoError(t, b.Publish(ctx, ev))

	assert.Equal(t, int64(2), first.Load())
	assert.Equal(t, int64(2), second.Load())
}

type recordingDispatcher struct {
	mu    sync.Mutex
	count int
}

func (d *recordingDispatcher) Submit(ctx context.Context, fn func()) error {
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	fn()
	return nil
}

func TestDispatcherRouting(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	disp := &recordingDispatcher{}
	var got atomic.Int64
	_, err := b.Subscribe(ChannelAny, "*", func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	}, WithOwner("ui-loop"), WithDispatcher(disp))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewEvent("task.started", nil)))

	assert.Equal(t, int64(1), got.Load())
	assert.Equal(t, 1, disp.count, "delivery must cross the owning context")
}
