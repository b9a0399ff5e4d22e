package events

import (
	"context"
	"sync"

	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

type subscription struct {
	ch   chan Event
	done chan struct{}
}

func (s *subscription) close() {
	close(s.ch)
	close(s.done)
}

// localBus delivers events within the process.
type localBus struct {
	mu   sync.Mutex
	subs map[types.SessionUIDType]map[*subscription]struct{}
}

// NewLocalBus returns a Bus that only reaches subscribers of the same
// process. It serves single-process deployments, where the API and the
// worker share the bus.
func NewLocalBus() Bus {
	return &localBus{subs: make(map[types.SessionUIDType]map[*subscription]struct{})}
}

// Publish never blocks on a slow subscriber: when its buffer is full the
// oldest pending event is dropped. A terminal event is always delivered and
// closes the subscriptions of its session.
func (b *localBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[e.SessionUID] {
		deliver(sub.ch, e)
		if e.Terminal() {
			sub.close()
		}
	}

	if e.Terminal() {
		delete(b.subs, e.SessionUID)
	}
	return nil
}

func deliver(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

func (b *localBus) Subscribe(ctx context.Context, uid types.SessionUIDType) (<-chan Event, error) {
	sub := &subscription{
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[uid] == nil {
		b.subs[uid] = make(map[*subscription]struct{})
	}
	b.subs[uid][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(uid, sub)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

func (b *localBus) unsubscribe(uid types.SessionUIDType, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[uid]
	if _, ok := subs[sub]; !ok {
		// Already closed by a terminal event.
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, uid)
	}
	sub.close()
}
