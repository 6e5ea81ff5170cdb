package cache

import "container/list"

// index is an access-ordered mapping from key to record header. Lookups
// move the entry to the tail, so iterating from the head visits entries
// in least-recently-used order. Callers synchronize externally.
type index struct {
	ll *list.List
	m  map[string]*list.Element
}

func newIndex() *index {
	return &index{
		ll: list.New(),
		m:  make(map[string]*list.Element),
	}
}

// get returns the header for key and marks it recently used.
func (ix *index) get(key string) *header {
	el, ok := ix.m[key]
	if !ok {
		return nil
	}
	ix.ll.MoveToBack(el)
	return el.Value.(*header)
}

// peek returns the header for key without touching the access order.
func (ix *index) peek(key string) *header {
	el, ok := ix.m[key]
	if !ok {
		return nil
	}
	return el.Value.(*header)
}

// put inserts or replaces the header for key at the recently-used tail.
func (ix *index) put(key string, h *header) {
	if el, ok := ix.m[key]; ok {
		el.Value = h
		ix.ll.MoveToBack(el)
		return
	}
	ix.m[key] = ix.ll.PushBack(h)
}

func (ix *index) remove(key string) {
	if el, ok := ix.m[key]; ok {
		ix.ll.Remove(el)
		delete(ix.m, key)
	}
}

func (ix *index) len() int {
	return len(ix.m)
}

func (ix *index) clear() {
	ix.ll.Init()
	ix.m = make(map[string]*list.Element)
}

// oldestFirst returns the headers in LRU order. The snapshot lets
// pruning delete entries while iterating.
func (ix *index) oldestFirst() []*header {
	out := make([]*header, 0, ix.ll.Len())
	for el := ix.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*header))
	}
	return out
}
