// Package ilist implements doubly linked lists whose elements live in an
// arena (usually a slice of descriptors) and are identified by their index.
// Lists never hold pointers to their elements; an element is linked through
// the Link value embedded in its arena slot.
package ilist

// Link holds the linkage for an arena element. The zero value is an
// unlinked element.
type Link struct {
	// prev and next store the neighbor index plus one so that the zero
	// value denotes "no neighbor".
	prev, next uint32
	linked     bool
}

// Linked returns true if the element is currently a member of a list.
func (l *Link) Linked() bool {
	return l.linked
}

// Arena provides access to the Link of the element with the given index.
type Arena interface {
	Link(idx int) *Link
}

// ArenaFunc adapts a function to the Arena interface.
type ArenaFunc func(idx int) *Link

// Link implements Arena.
func (fn ArenaFunc) Link(idx int) *Link { return fn(idx) }

// List is a doubly linked list of arena indices. The zero value is an empty
// list.
type List struct {
	head, tail uint32
	len        int
}

// Len returns the number of elements in the list.
func (l *List) Len() int {
	return l.len
}

// Front returns the index of the first element in the list.
func (l *List) Front() (int, bool) {
	if l.head == 0 {
		return 0, false
	}
	return int(l.head - 1), true
}

// Back returns the index of the last element in the list.
func (l *List) Back() (int, bool) {
	if l.tail == 0 {
		return 0, false
	}
	return int(l.tail - 1), true
}

// Next returns the index of the element following idx.
func (l *List) Next(a Arena, idx int) (int, bool) {
	next := a.Link(idx).next
	if next == 0 {
		return 0, false
	}
	return int(next - 1), true
}

// Prev returns the index of the element preceding idx.
func (l *List) Prev(a Arena, idx int) (int, bool) {
	prev := a.Link(idx).prev
	if prev == 0 {
		return 0, false
	}
	return int(prev - 1), true
}

// PushFront inserts idx at the front of the list. Inserting an element that
// is already linked corrupts both lists; callers track membership through
// Link.Linked.
func (l *List) PushFront(a Arena, idx int) {
	link := a.Link(idx)
	link.prev, link.next, link.linked = 0, l.head, true

	if l.head != 0 {
		a.Link(int(l.head - 1)).prev = uint32(idx + 1)
	} else {
		l.tail = uint32(idx + 1)
	}
	l.head = uint32(idx + 1)
	l.len++
}

// PushBack inserts idx at the back of the list.
func (l *List) PushBack(a Arena, idx int) {
	link := a.Link(idx)
	link.prev, link.next, link.linked = l.tail, 0, true

	if l.tail != 0 {
		a.Link(int(l.tail - 1)).next = uint32(idx + 1)
	} else {
		l.head = uint32(idx + 1)
	}
	l.tail = uint32(idx + 1)
	l.len++
}

// Remove unlinks idx from the list.
func (l *List) Remove(a Arena, idx int) {
	link := a.Link(idx)
	if !link.linked {
		return
	}

	if link.prev != 0 {
		a.Link(int(link.prev - 1)).next = link.next
	} else {
		l.head = link.next
	}

	if link.next != 0 {
		a.Link(int(link.next - 1)).prev = link.prev
	} else {
		l.tail = link.prev
	}

	*link = Link{}
	l.len--
}

// PopFront removes and returns the first element of the list.
func (l *List) PopFront(a Arena) (int, bool) {
	idx, ok := l.Front()
	if ok {
		l.Remove(a, idx)
	}
	return idx, ok
}

// MoveToBack moves idx to the back of the list.
func (l *List) MoveToBack(a Arena, idx int) {
	if l.tail == uint32(idx+1) {
		return
	}
	l.Remove(a, idx)
	l.PushBack(a, idx)
}

// Each calls fn for every element in list order until fn returns false. fn
// must not modify the list.
func (l *List) Each(a Arena, fn func(idx int) bool) {
	for cur := l.head; cur != 0; cur = a.Link(int(cur - 1)).next {
		if !fn(int(cur - 1)) {
			return
		}
	}
}
