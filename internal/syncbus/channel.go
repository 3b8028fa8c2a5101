package syncbus

import (
	"context"
	"sync"
)

// Channel is a key-value store shared by several contexts that notifies
// watchers when a key changes. Notifications carry only the key; watchers
// re-read the value.
type Channel interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// Watch calls fn for every change made by another context until stop is called.
	Watch(fn func(key string)) (stop func(), err error)
}

// MemoryStore is an in-process Channel backend. Each context attaches with
// Open and only hears about writes made by other contexts.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	channels map[int]*MemoryChannel
	nextID   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		channels: make(map[int]*MemoryChannel),
	}
}

// Open attaches a new context to the store.
func (s *MemoryStore) Open() *MemoryChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &MemoryChannel{store: s, id: s.nextID}
	s.channels[c.id] = c
	return c
}

// MemoryChannel is one context's handle on a MemoryStore.
type MemoryChannel struct {
	store *MemoryStore
	id    int

	mu      sync.Mutex
	queue   []string
	wake    chan struct{}
	fn      func(string)
	done    chan struct{}
	stopped chan struct{}
}

func (c *MemoryChannel) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	v, ok := c.store.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *MemoryChannel) Set(_ context.Context, key string, value []byte) error {
	c.store.mu.Lock()
	c.store.data[key] = append([]byte(nil), value...)
	peers := c.peersLocked()
	c.store.mu.Unlock()
	for _, p := range peers {
		p.enqueue(key)
	}
	return nil
}

func (c *MemoryChannel) Delete(_ context.Context, key string) error {
	c.store.mu.Lock()
	_, existed := c.store.data[key]
	delete(c.store.data, key)
	peers := c.peersLocked()
	c.store.mu.Unlock()
	if existed {
		for _, p := range peers {
			p.enqueue(key)
		}
	}
	return nil
}

func (c *MemoryChannel) Keys(_ context.Context) ([]string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	keys := make([]string, 0, len(c.store.data))
	for k := range c.store.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Watch starts delivering peer notifications to fn on a dedicated goroutine,
// in write order. Only one watcher per channel is supported.
func (c *MemoryChannel) Watch(fn func(key string)) (func(), error) {
	c.mu.Lock()
	if c.fn != nil {
		c.mu.Unlock()
		return nil, errAlreadyWatching
	}
	c.fn = fn
	c.wake = make(chan struct{}, 1)
	c.done = make(chan struct{})
	c.stopped = make(chan struct{})
	c.queue = nil
	wake, done, stopped := c.wake, c.done, c.stopped
	c.mu.Unlock()

	go c.deliver(wake, done, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			c.mu.Lock()
			c.fn = nil
			c.queue = nil
			c.mu.Unlock()
		})
	}, nil
}

// Close detaches the channel from its store.
func (c *MemoryChannel) Close() {
	c.store.mu.Lock()
	delete(c.store.channels, c.id)
	c.store.mu.Unlock()
}

func (c *MemoryChannel) peersLocked() []*MemoryChannel {
	peers := make([]*MemoryChannel, 0, len(c.store.channels))
	for id, p := range c.store.channels {
		if id != c.id {
			peers = append(peers, p)
		}
	}
	return peers
}

func (c *MemoryChannel) enqueue(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fn == nil {
		return
	}
	c.queue = append(c.queue, key)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryChannel) deliver(wake, done, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-done:
			return
		case <-wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			key := c.queue[0]
			c.queue = c.queue[1:]
			fn := c.fn
			c.mu.Unlock()

			select {
			case <-done:
				return
			default:
			}
			if fn != nil {
				fn(key)
			}
		}
	}
}
