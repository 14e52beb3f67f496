package relaypool

import "sync"

// dedupSet is a bounded set of recently seen event ids. When full, the
// oldest id is evicted. It is a fast filter only; the router's insert
// conflict check against the store stays authoritative.
type dedupSet struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		set:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Seen records id and reports whether it was already present.
func (d *dedupSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.set[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.set, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.set[id] = struct{}{}
	return false
}

// Len returns the number of ids currently tracked.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.set)
}
