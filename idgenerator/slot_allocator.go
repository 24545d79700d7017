// Package idgenerator hands out small, reusable slot ids. The allocator always
// returns the lowest id that is not currently in use, so the set of live ids
// stays dense from zero with holes only where a slot was released and not yet
// reassigned.
package idgenerator

import "container/heap"

// SlotAllocator assigns slot ids from an arena with a free list. Ids that were
// never handed out form a contiguous range [0, next); released ids are kept in
// a min-heap so that Acquire can always return the smallest free id.
//
// SlotAllocator is not safe for concurrent use; callers serialise access.
type SlotAllocator struct {
	next  int
	free  freeList
	inUse int
}

// NewSlotAllocator creates an empty allocator whose first Acquire returns 0.
//
// Returns:
//   - A new SlotAllocator instance
func NewSlotAllocator() *SlotAllocator {
	return &SlotAllocator{}
}

// Acquire reserves and returns the smallest id not currently in use.
//
// Returns:
//   - The reserved slot id
func (a *SlotAllocator) Acquire() int {
	a.inUse++
	if a.free.Len() > 0 {
		return heap.Pop(&a.free).(int)
	}

	id := a.next
	a.next++
	return id
}

// Release returns id to the free list. Releasing an id that is not in use is
// a no-op and reports false.
//
// Parameters:
//   - id: The slot id to free
//
// Returns:
//   - true if the id was in use and is now free, false otherwise
func (a *SlotAllocator) Release(id int) bool {
	if !a.IsAssigned(id) {
		return false
	}

	a.inUse--
	if id == a.next-1 {
		// Shrink the high-water mark instead of growing the heap, then
		// swallow any freed ids that became the new top.
		a.next--
		for a.free.Len() > 0 && a.free.max() == a.next-1 {
			a.free.removeMax()
			a.next--
		}
		return true
	}

	heap.Push(&a.free, id)
	return true
}

// IsAssigned reports whether id is currently reserved.
func (a *SlotAllocator) IsAssigned(id int) bool {
	if id < 0 || id >= a.next {
		return false
	}

	for _, f := range a.free {
		if f == id {
			return false
		}
	}

	return true
}

// InUse returns the number of ids currently reserved.
func (a *SlotAllocator) InUse() int {
	return a.inUse
}

// freeList is a min-heap of released ids.
type freeList []int

func (f freeList) Len() int           { return len(f) }
func (f freeList) Less(i, j int) bool { return f[i] < f[j] }
func (f freeList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func (f *freeList) Push(x any) { *f = append(*f, x.(int)) }

func (f *freeList) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}

func (f freeList) max() int {
	m := f[0]
	for _, v := range f[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func (f *freeList) removeMax() {
	idx := 0
	for i, v := range *f {
		if v > (*f)[idx] {
			idx = i
		}
	}
	heap.Remove(f, idx)
}
