package host

import "sync"

// Table stores values behind generation-checked handles. A removed slot is
// reused with a new generation, so old handles never resolve to new values.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

type slot[T any] struct {
	gen   uint32
	used  bool
	value T
}

// NewTable creates an empty table
func NewTable[T any]() *Table[T] {
	// slot 0 is reserved so that the zero Handle is never valid
	return &Table[T]{slots: make([]slot[T], 1)}
}

// Insert stores v and returns its handle
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id uint32
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		id = uint32(len(t.slots) - 1)
	}
	s := &t.slots[id]
	s.gen++
	s.used = true
	s.value = v
	t.count++
	return Handle{ID: id, Gen: s.gen}
}

// Get resolves h
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	if h.ID == 0 || int(h.ID) >= len(t.slots) {
		return zero, false
	}
	s := t.slots[h.ID]
	if !s.used || s.gen != h.Gen {
		return zero, false
	}
	return s.value, true
}

// Remove invalidates h and returns the stored value
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if h.ID == 0 || int(h.ID) >= len(t.slots) {
		return zero, false
	}
	s := &t.slots[h.ID]
	if !s.used || s.gen != h.Gen {
		return zero, false
	}
	v := s.value
	s.used = false
	s.value = zero
	t.free = append(t.free, h.ID)
	t.count--
	return v, true
}

// Len number of live entries
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Range calls fn for every live entry until fn returns false
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	t.mu.RLock()
	type entry struct {
		h Handle
		v T
	}
	entries := make([]entry, 0, t.count)
	for id, s := range t.slots {
		if s.used {
			entries = append(entries, entry{Handle{ID: uint32(id), Gen: s.gen}, s.value})
		}
	}
	t.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.h, e.v) {
			return
		}
	}
}
