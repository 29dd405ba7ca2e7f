package coord

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier provides push-based wakeups for the orchestrator workers.
// It complements (not replaces) the database-backed dispatch: workers still
// poll on a ticker, the notification just cuts the claim latency to
// near-zero when a run is created or resurrected.
type Notifier interface {
	// NotifyRunPending signals that a dispatchable run exists.
	NotifyRunPending(ctx context.Context) error

	// Subscribe returns a channel that receives a signal per notification.
	// The channel is closed when the context is cancelled or Close is called.
	Subscribe(ctx context.Context) <-chan struct{}

	// Close releases all resources held by the notifier.
	Close() error
}

// NoopNotifier never notifies; workers rely purely on polling.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) NotifyRunPending(_ context.Context) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process notifier for single-instance deployments
// and tests.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers []chan struct{}
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{}
}

func (n *ChannelNotifier) NotifyRunPending(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Non-blocking: subscriber already has a pending notification
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers = append(n.subscribers, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subscribers {
			if s == ch {
				n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, ch := range n.subscribers {
		close(ch)
	}
	n.subscribers = nil
	return nil
}

// RedisNotifier broadcasts run:new over PUBLISH/SUBSCRIBE so every node's
// workers wake when a run is enqueued anywhere.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) NotifyRunPending(ctx context.Context) error {
	return n.client.Publish(ctx, runNewChannel, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs = append(n.subs, rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, runNewChannel)

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// Non-blocking: subscriber already has a pending notification
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, s := range n.subs {
		s.cancel()
		close(s.ch)
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == target {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			close(s.ch)
			break
		}
	}
}
