package broadcast

import (
	"log/slog"
	"sync"

	"github.com/kode4food/sortie/pkg/log"
)

type (
	// Sink is one attached live subscriber. Implementations format
	// delivery for their transport (SSE frames, websocket messages)
	Sink interface {
		// Hello sends the transport's initial resumption hint
		Hello() error

		// Deliver sends a sequenced event
		Deliver(seq int64, payload []byte) error

		// Notify sends an unsequenced message such as a heartbeat
		Notify(payload []byte) error

		// Close ends the subscription
		Close()

		// Done is closed when the subscriber disconnects
		Done() <-chan struct{}
	}

	// Broadcaster distributes live events to subscribers grouped by key
	// (mission or run ID). Each key carries its own sink set and a
	// monotonic event counter for client-side gap detection
	Broadcaster struct {
		logger *slog.Logger
		mu     sync.Mutex
		keys   map[string]*subscription
	}

	subscription struct {
		sinks   map[Sink]struct{}
		counter int64
	}
)

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		keys:   map[string]*subscription{},
	}
}

// AddClient attaches a sink under the given key, sends it the initial
// resumption hint, and deregisters it automatically when it disconnects
func (b *Broadcaster) AddClient(key string, s Sink) {
	if err := s.Hello(); err != nil {
		s.Close()
		return
	}
	b.mu.Lock()
	b.sub(key).sinks[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-s.Done()
		b.RemoveClient(key, s)
	}()
}

// RemoveClient detaches a sink from the key, if attached
func (b *Broadcaster) RemoveClient(key string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.keys[key]; ok {
		delete(sub.sinks, s)
	}
}

// Broadcast delivers a sequenced event to every sink attached to the
// key. A delivery failure detaches only the failing sink
func (b *Broadcaster) Broadcast(key string, seq int64, payload []byte) {
	for _, s := range b.snapshot(key) {
		if err := s.Deliver(seq, payload); err != nil {
			b.logger.Debug("sink detached on delivery failure",
				slog.String("key", key), log.Error(err))
			b.RemoveClient(key, s)
			s.Close()
		}
	}
}

// Send delivers an unsequenced message to every sink attached to the
// key. Used for heartbeats
func (b *Broadcaster) Send(key string, payload []byte) {
	for _, s := range b.snapshot(key) {
		if err := s.Notify(payload); err != nil {
			b.RemoveClient(key, s)
			s.Close()
		}
	}
}

// NextEventID increments and returns the key's event counter
func (b *Broadcaster) NextEventID(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.sub(key)
	sub.counter++
	return sub.counter
}

// CurrentEventID returns the key's event counter without advancing it
func (b *Broadcaster) CurrentEventID(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.keys[key]; ok {
		return sub.counter
	}
	return 0
}

// CloseProcess forcibly ends every subscription for the key
func (b *Broadcaster) CloseProcess(key string) {
	b.mu.Lock()
	sub, ok := b.keys[key]
	if ok {
		delete(b.keys, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for s := range sub.sinks {
		s.Close()
	}
}

// Cleanup tears down every key. Called at shutdown
func (b *Broadcaster) Cleanup() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.keys))
	for key := range b.keys {
		keys = append(keys, key)
	}
	b.mu.Unlock()
	for _, key := range keys {
		b.CloseProcess(key)
	}
}

// Keys returns every key with at least one attached sink
func (b *Broadcaster) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]string, 0, len(b.keys))
	for key, sub := range b.keys {
		if len(sub.sinks) > 0 {
			res = append(res, key)
		}
	}
	return res
}

// ClientCount reports the number of sinks attached to the key
func (b *Broadcaster) ClientCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.keys[key]; ok {
		return len(sub.sinks)
	}
	return 0
}

// sub returns the key's subscription, creating it if needed. Callers
// hold the mutex
func (b *Broadcaster) sub(key string) *subscription {
	sub, ok := b.keys[key]
	if !ok {
		sub = &subscription{sinks: map[Sink]struct{}{}}
		b.keys[key] = sub
	}
	return sub
}

func (b *Broadcaster) snapshot(key string) []Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.keys[key]
	if !ok {
		return nil
	}
	res := make([]Sink, 0, len(sub.sinks))
	for s := range sub.sinks {
		res = append(res, s)
	}
	return res
}
