package progress

import (
	"context"
	"fmt"
	"sync"
)

type entry struct {
	ch     *Channel
	cancel context.CancelFunc
}

// Registry tracks in-flight runs (or batches) by id: Open on start, Close on finish.
// Close closes the channel and removes it in one step, so Get never returns a closed channel.
type Registry[K comparable] struct {
	mu      sync.RWMutex
	entries map[K]entry
}

func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{entries: make(map[K]entry)}
}

func (r *Registry[K]) Open(id K, cancel context.CancelFunc) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return nil, fmt.Errorf("progress channel %v already open", id)
	}
	ch := NewChannel()
	r.entries[id] = entry{ch: ch, cancel: cancel}
	return ch, nil
}

// Get nil when id is not in flight.
func (r *Registry[K]) Get(id K) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.ch
}

func (r *Registry[K]) Has(id K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Cancel fires the entry's cancel func; false if id is not in flight.
func (r *Registry[K]) Cancel(id K) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

func (r *Registry[K]) Close(id K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	e.ch.Close()
}

func (r *Registry[K]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
