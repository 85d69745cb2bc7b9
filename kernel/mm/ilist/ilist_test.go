package ilist

import (
	"testing"
)

type node struct {
	link Link
	val  int
}

type arena []node

func (a arena) Link(idx int) *Link { return &a[idx].link }

func collect(l *List, a Arena) []int {
	var out []int
	l.Each(a, func(idx int) bool {
		out = append(out, idx)
		return true
	})
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListOperations(t *testing.T) {
	var (
		a = make(arena, 8)
		l List
	)

	if _, ok := l.Front(); ok {
		t.Fatal("expected empty list to have no front element")
	}

	l.PushBack(a, 1)
	l.PushBack(a, 2)
	l.PushFront(a, 0)
	l.PushBack(a, 7)

	if exp, got := []int{0, 1, 2, 7}, collect(&l, a); !equal(exp, got) {
		t.Fatalf("expected list contents %v; got %v", exp, got)
	}

	if exp, got := 4, l.Len(); got != exp {
		t.Fatalf("expected list len %d; got %d", exp, got)
	}

	l.Remove(a, 1)
	if a[1].link.Linked() {
		t.Fatal("expected removed element to be unlinked")
	}

	// Removing an unlinked element is a no-op.
	l.Remove(a, 1)

	if exp, got := []int{0, 2, 7}, collect(&l, a); !equal(exp, got) {
		t.Fatalf("expected list contents %v; got %v", exp, got)
	}

	l.MoveToBack(a, 0)
	if exp, got := []int{2, 7, 0}, collect(&l, a); !equal(exp, got) {
		t.Fatalf("expected list contents %v; got %v", exp, got)
	}

	if back, _ := l.Back(); back != 0 {
		t.Fatalf("expected back element to be 0; got %d", back)
	}

	if prev, ok := l.Prev(a, 0); !ok || prev != 7 {
		t.Fatalf("expected element before 0 to be 7; got %d", prev)
	}

	if next, ok := l.Next(a, 2); !ok || next != 7 {
		t.Fatalf("expected element after 2 to be 7; got %d", next)
	}

	for _, exp := range []int{2, 7, 0} {
		got, ok := l.PopFront(a)
		if !ok || got != exp {
			t.Fatalf("expected PopFront to return %d; got %d", exp, got)
		}
	}

	if l.Len() != 0 {
		t.Fatalf("expected list to be empty; len %d", l.Len())
	}

	if _, ok := l.Back(); ok {
		t.Fatal("expected empty list to have no back element")
	}
}

func TestArenaFunc(t *testing.T) {
	var (
		links = make([]Link, 3)
		a     = ArenaFunc(func(idx int) *Link { return &links[idx] })
		l     List
	)

	l.PushFront(a, 2)
	l.PushFront(a, 1)

	if exp, got := []int{1, 2}, collect(&l, a); !equal(exp, got) {
		t.Fatalf("expected list contents %v; got %v", exp, got)
	}

	var visited int
	l.Each(a, func(int) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("expected Each to stop after the first element; visited %d", visited)
	}
}
