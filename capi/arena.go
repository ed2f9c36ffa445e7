package capi

import (
	"sort"
	"sync"
)

// Handle kinds. Zero is never issued.
type (
	TransportHandle uint64
	PeerTableHandle uint64
	RouterHandle    uint64
	DHTHandle       uint64
	DiscoveryHandle uint64
	OnionHandle     uint64
)

// arena owns objects of one kind, indexed by handle.
type arena[H ~uint64, T any] struct {
	mu    sync.RWMutex
	next  H
	items map[H]T
}

func newArena[H ~uint64, T any]() *arena[H, T] {
	return &arena[H, T]{items: make(map[H]T)}
}

func (a *arena[H, T]) put(v T) H {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.items[a.next] = v
	return a.next
}

func (a *arena[H, T]) get(h H) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.items[h]
	return v, ok
}

// take removes and returns the object behind h.
func (a *arena[H, T]) take(h H) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.items[h]
	if ok {
		delete(a.items, h)
	}
	return v, ok
}

// drain removes every object, oldest first.
func (a *arena[H, T]) drain() []T {
	a.mu.Lock()
	defer a.mu.Unlock()
	handles := make([]H, 0, len(a.items))
	for h := range a.items {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	out := make([]T, 0, len(handles))
	for _, h := range handles {
		out = append(out, a.items[h])
		delete(a.items, h)
	}
	return out
}

func (a *arena[H, T]) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}
