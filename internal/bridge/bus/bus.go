// Package bus is the in-process event fan-out for committed messages.
// Listeners run synchronously on the sender's goroutine; anything slow
// must hand off to its own channel or goroutine.
package bus

import (
	"log/slog"
	"sync"

	"github.com/agorai/agorai/internal/bridge/store"
)

// Listener receives every committed message.
type Listener func(store.Message)

// Bus implements store.Emitter. The zero value is not usable; call New.
type Bus struct {
	log *slog.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

func New(log *slog.Logger) *Bus {
	return &Bus{
		log:       log,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its removal function.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// MessageCreated fans a committed message out to every listener. The
// listener set is copied under the lock first, so a listener may
// unsubscribe (itself or others) from inside its callback.
func (b *Bus) MessageCreated(msg store.Message) {
	b.mu.RLock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.deliver(l, msg)
	}
}

// deliver isolates listener panics so one bad listener cannot take the
// sender down with it.
func (b *Bus) deliver(l Listener, msg store.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus listener panicked",
				slog.Any("panic", r),
				slog.String("message_id", msg.ID))
		}
	}()
	l(msg)
}
