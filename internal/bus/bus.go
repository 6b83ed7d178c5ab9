// Package bus provides the pattern-matched pub/sub event bus used by the
// execution core. Publishers and subscribers may live on different execution
// contexts; delivery to a subscription owned by another context goes through
// that context's safe-submit primitive.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChannelAny subscribes to, or publishes on, every channel.
const ChannelAny = "*"

// Event is an immutable message published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event on the default channel.
func NewEvent(name string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Channel:   ChannelAny,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Callback handles one delivered event. A callback error is logged and
// isolated; it never reaches the publisher.
type Callback func(ctx context.Context, event Event) error

// Dispatcher is the safe-submit primitive of an execution context. The bus
// uses it to run a callback on the context that owns the subscription.
type Dispatcher interface {
	// Submit schedules fn on the owning context and returns once fn has run.
	Submit(ctx context.Context, fn func()) error
}

// Subscription binds an event-name glob pattern and a channel to a callback.
type Subscription struct {
	ID         string
	Channel    string
	Pattern    string
	Owner      string
	Persistent bool

	callback   Callback
	dispatcher Dispatcher

	// serial guarantees a callback never runs concurrently with itself.
	serial sync.Mutex
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithOwner tags the subscription with the id of its owning context.
func WithOwner(owner string) SubscribeOption {
	return func(s *Subscription) { s.Owner = owner }
}

// WithDispatcher routes callback delivery through the given safe-submit
// primitive.
func WithDispatcher(d Dispatcher) SubscribeOption {
	return func(s *Subscription) { s.dispatcher = d }
}

// Persistent marks the subscription as surviving ClearTransient.
func Persistent() SubscribeOption {
	return func(s *Subscription) { s.Persistent = true }
}

// Bus is the process-wide event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a callback for events whose channel and name match.
// Pattern supports `*` (any run of characters) and `?` (one character).
func (b *Bus) Subscribe(channel, pattern string, cb Callback, opts ...SubscribeOption) (*Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	if channel == "" {
		channel = ChannelAny
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		Channel:  channel,
		Pattern:  pattern,
		callback: cb,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscription created",
		"subscription_id", sub.ID,
		"channel", channel,
		"pattern", pattern,
		"persistent", sub.Persistent,
	)
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
}

// ClearTransient drops every subscription not marked persistent.
func (b *Bus) ClearTransient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.Persistent {
			delete(b.subs, id)
		}
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers the event to every matching subscription. All matched
// callbacks are launched concurrently and Publish waits for them to finish.
// Callback failures and panics are logged and never propagate; Publish only
// returns an error when ctx is done before delivery completes.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Channel == "" {
		event.Channel = ChannelAny
	}

	matched := b.snapshot(event)
	if len(matched) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			b.deliver(gctx, event, sub)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// snapshot collects the matching subscriptions under the lock so dispatch
// happens lock-free.
func (b *Bus) snapshot(event Event) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range b.subs {
		if sub.Matches(event) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Matches reports whether the subscription's channel and pattern match the
// event.
func (s *Subscription) Matches(event Event) bool {
	if s.Channel != ChannelAny && s.Channel != event.Channel {
		return false
	}
	ok, err := doublestar.Match(s.Pattern, event.Name)
	return err == nil && ok
}

func (b *Bus) deliver(ctx context.Context, event Event, sub *Subscription) {
	s := func() {
		sub.serial.Lock()
		defer sub.serial.Unlock()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event callback panicked",
					"event", event.Name,
					"subscription_id", sub.ID,
					"panic", r,
				)
			}
		}()
		if err := sub.callback(ctx, event); err != nil {
			b.logger.Error("event callback failed",
				"event", event.Name,
				"subscription_id", sub.ID,
				"error", err,
			)
		}
	}

	if sub.dispatcher != nil {
		if err := sub.dispatcher.Submit(ctx, s); err != nil {
			b.logger.Error("event dispatch rejected by owning context",
				"event", event.Name,
				"subscription_id", sub.ID,
				"error", err,
			)
		}
		return
	}
	s()
}
