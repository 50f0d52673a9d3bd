package store

import (
	"context"
	"sync"
)

// Memory is a Backend keeping the whole tree in process memory.
// Change notifications only reach subscribers of the same process.
type Memory struct {
	mu   sync.Mutex
	root any
	subs map[*Subscription]Path
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[*Subscription]Path),
	}
}

func (*Memory) Name() string { return "memory" }

func (*Memory) Open(context.Context) error { return nil }

func (*Memory) Close() error { return nil }

func (m *Memory) Get(_ context.Context, p Path) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Hand out a private copy, the tree is mutated in place.
	return normalize(getAt(m.root, p))
}

func (m *Memory) Set(_ context.Context, p Path, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.root = prune(setAt(m.root, p, v))
	m.notify(p)
	return nil
}

func (m *Memory) Update(_ context.Context, p Path, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := mergeAt(m.root, p, fields)
	if err != nil {
		return err
	}

	m.root = root
	m.notify(p)
	return nil
}

func (m *Memory) UpdateExisting(_ context.Context, p Path, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := mergeExistingAt(m.root, p, fields)
	if err != nil {
		return err
	}

	m.root = root
	m.notify(p)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, p Path) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(p.String(), func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	})
	m.subs[sub] = p
	sub.push(encode(getAt(m.root, p)))

	return sub, nil
}

// notify must be called with m.mu held.
func (m *Memory) notify(changed Path) {
	for sub, p := range m.subs {
		if p.overlaps(changed) {
			sub.push(encode(getAt(m.root, p)))
		}
	}
}
