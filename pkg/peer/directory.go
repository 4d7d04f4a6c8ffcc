package peer

import (
	"fmt"
	"sort"
	"sync"
)

// Directory is the peer directory, spec.md §4.8 (C8): peers registered
// and looked up by identity, kept in sorted order for stable iteration
// the way pkg/ordermap keeps channel ids sorted (§4.1) — a plain mutex +
// sorted-slice registry rather than an actual red-black tree, since
// spec.md §9 already settles for "sorted maps with stable iteration, no
// tree-specific behavior required".
type Directory struct {
	mu    sync.RWMutex
	byID  map[string]*Peer
	order []string // kept sorted ascending by identity
}

// NewDirectory creates an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{byID: make(map[string]*Peer)}
}

func (d *Directory) search(id string) int {
	return sort.SearchStrings(d.order, id)
}

// Register adds p to the directory. It is an error to register two peers
// with the same identity (spec.md §3.6's uniqueness invariant).
func (d *Directory) Register(p *Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := p.Identity()
	if _, exists := d.byID[id]; exists {
		return fmt.Errorf("peer: identity %q already registered", id)
	}
	i := d.search(id)
	d.order = append(d.order, "")
	copy(d.order[i+1:], d.order[i:])
	d.order[i] = id
	d.byID[id] = p
	return nil
}

// Lookup returns the peer registered under id, if any.
func (d *Directory) Lookup(id string) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	return p, ok
}

// Remove unregisters the peer with the given identity, a no-op if absent.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byID[id]; !exists {
		return
	}
	delete(d.byID, id)
	i := d.search(id)
	d.order = append(d.order[:i], d.order[i+1:]...)
}

// Len reports how many peers are registered.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Each walks every registered peer in ascending identity order. fn
// returning false stops the walk early. As with pkg/ordermap's Iterate,
// this is a snapshot: the lock is released between steps so a long walk
// never blocks registration for long.
func (d *Directory) Each(fn func(p *Peer) bool) {
	d.mu.RLock()
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	d.mu.RUnlock()

	for _, id := range ids {
		d.mu.RLock()
		p, ok := d.byID[id]
		d.mu.RUnlock()
		if !ok {
			continue
		}
		if !fn(p) {
			return
		}
	}
}
