package events

import (
	"context"
	"errors"
	"sync"
)

var ErrInboxFull = errors.New("agent inbox is full")

// Bus keeps buffered inboxes per connected agent; an agent may hold several
// at once (one per open stream). Agent events go to each of that agent's
// inboxes; engine-wide events go to every inbox. Events for agents without an
// inbox are dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]map[uint64]chan Event),
		buffer: buffer,
	}
}

// Subscribe opens a new inbox for the agent. The returned func closes only
// this inbox and is safe to call more than once.
func (b *Bus) Subscribe(agentID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.buffer)
	inboxes, ok := b.subs[agentID]
	if !ok {
		inboxes = make(map[uint64]chan Event)
		b.subs[agentID] = inboxes
	}
	inboxes[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(agentID, id) })
	}
}

func (b *Bus) unsubscribe(agentID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inboxes := b.subs[agentID]
	ch, ok := inboxes[id]
	if !ok {
		return
	}
	delete(inboxes, id)
	if len(inboxes) == 0 {
		delete(b.subs, agentID)
	}
	close(ch)
}

func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	deliver := func(inboxes map[uint64]chan Event) {
		for _, ch := range inboxes {
			if err := offer(ch, ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if ev.AgentID != "" {
		deliver(b.subs[ev.AgentID])
		return errors.Join(errs...)
	}
	for _, inboxes := range b.subs {
		deliver(inboxes)
	}
	return errors.Join(errs...)
}

func offer(ch chan Event, ev Event) error {
	select {
	case ch <- ev:
		return nil
	default:
		return ErrInboxFull
	}
}
