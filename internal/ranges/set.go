// Package ranges loads the published IP range document and exposes the desired
// CIDR set for one service.
package ranges

// Set is an ordered set of CIDR strings. Iteration follows insertion order;
// removed entries keep their slot hidden so the remaining order is stable.
type Set struct {
	order   []string
	present map[string]bool
	size    int
}

// NewSet builds a set from items, dropping exact duplicates after the first.
func NewSet(items ...string) *Set {
	s := &Set{present: make(map[string]bool, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add appends item if it is not already present. Returns false for duplicates.
func (s *Set) Add(item string) bool {
	if _, seen := s.present[item]; seen {
		if s.present[item] {
			return false
		}
		// Previously removed: re-add at the end so order reflects insertion.
		s.dropSlot(item)
	}
	s.order = append(s.order, item)
	s.present[item] = true
	s.size++
	return true
}

// Contains reports whether item is currently in the set.
func (s *Set) Contains(item string) bool {
	if s == nil {
		return false
	}
	return s.present[item]
}

// Remove deletes item. Returns false if it was not present.
func (s *Set) Remove(item string) bool {
	if !s.present[item] {
		return false
	}
	s.present[item] = false
	s.size--
	return true
}

// Len returns the number of items currently in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Items returns the current items in insertion order.
func (s *Set) Items() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, s.size)
	for _, item := range s.order {
		if s.present[item] {
			out = append(out, item)
		}
	}
	return out
}

// Clone returns an independent copy holding only the current items.
func (s *Set) Clone() *Set {
	return NewSet(s.Items()...)
}

// Without returns a copy with every item of exclude removed.
func (s *Set) Without(exclude ...string) *Set {
	c := s.Clone()
	for _, item := range exclude {
		c.Remove(item)
	}
	return c
}

// Equal reports whether both sets hold the same items, ignoring order.
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for _, item := range s.Items() {
		if !other.Contains(item) {
			return false
		}
	}
	return true
}

func (s *Set) dropSlot(item string) {
	for i, v := range s.order {
		if v == item {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
