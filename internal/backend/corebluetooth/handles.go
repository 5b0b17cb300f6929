// Package corebluetooth is the macOS backend built on cbgo. CoreBluetooth hides ATT
// handles, so attributes get stable synthetic handles the first time they are seen.
package corebluetooth

import "sync"

// Name is the registry name of the CoreBluetooth backend
const Name = "corebluetooth"

// handleRegistry assigns increasing handles to platform objects, in discovery order
type handleRegistry[K comparable] struct {
	mu   sync.Mutex
	next uint16
	ids  map[K]uint16
}

func newHandleRegistry[K comparable]() *handleRegistry[K] {
	return &handleRegistry[K]{next: 1, ids: make(map[K]uint16)}
}

// handle returns the handle of k, assigning one on first use
func (r *handleRegistry[K]) handle(k K) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.ids[k]; ok {
		return h
	}
	h := r.next
	r.next++
	r.ids[k] = h
	return h
}

// lookup finds the object registered under h
func (r *handleRegistry[K]) lookup(h uint16) (K, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.ids {
		if v == h {
			return k, true
		}
	}
	var zero K
	return zero, false
}

// reset forgets every assignment; the next objects start again from 1
func (r *handleRegistry[K]) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 1
	r.ids = make(map[K]uint16)
}
