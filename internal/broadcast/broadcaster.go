// Package broadcast fans progress snapshots out to subscribers, keyed by
// channel name. Delivery is best-effort: a subscriber that fails is dropped.
package broadcast

import (
	"sync"

	"optimus/internal/logging"
)

// ChannelPipelineProgress carries pipeline_progress_update events.
const ChannelPipelineProgress = "pipeline_progress"

// Subscriber receives broadcast messages. Send is called from the
// broadcasting goroutine; per-subscriber ordering follows a single sender.
type Subscriber interface {
	Send(message map[string]any) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(message map[string]any) error

// Send calls f.
func (f SubscriberFunc) Send(message map[string]any) error { return f(message) }

// Broadcaster delivers messages to every subscriber of a channel.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[Subscriber]struct{}
	logger logging.Logger
}

// New creates an empty Broadcaster.
func New(logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]map[Subscriber]struct{}),
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers sub on channel.
func (b *Broadcaster) Subscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[Subscriber]struct{})
	}
	b.subs[channel][sub] = struct{}{}
}

// Unsubscribe removes sub from channel.
func (b *Broadcaster) Unsubscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], sub)
}

// SubscriberCount returns the number of subscribers on channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Broadcast attempts delivery to every subscriber of channel. Subscribers
// whose Send fails are removed from the set.
func (b *Broadcaster) Broadcast(channel string, message map[string]any) {
	b.mu.Lock()
	targets := make([]Subscriber, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var failed []Subscriber
	for _, sub := range targets {
		if err := sub.Send(message); err != nil {
			b.logger.Warn("dropping subscriber on %s: %v", channel, err)
			failed = append(failed, sub)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, sub := range failed {
			delete(b.subs[channel], sub)
		}
		b.mu.Unlock()
	}
}
