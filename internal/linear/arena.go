package linear

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Alignment of every arena allocation.
const Alignment = 16

// ErrOutOfMemory is returned when linear memory cannot grow to fit a request.
var ErrOutOfMemory = errors.New("linear memory exhausted")

// Allocator hands out regions of linear memory.
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr, size uint32) error
}

type span struct {
	off  uint32
	size uint32
}

// Arena is a host-side first-fit allocator over a Memory. Freed spans are
// coalesced with their neighbours; the high-water mark moves back down when
// the last span is released. Memory grows page by page as needed.
type Arena struct {
	mu   sync.Mutex
	mem  Memory
	base uint32
	top  uint32
	free []span
	live map[uint32]uint32
}

// NewArena manages mem from base upward. base is rounded up to Alignment and
// never zero, so a valid pointer is never null.
func NewArena(mem Memory, base uint32) *Arena {
	if base == 0 {
		base = Alignment
	}
	base = alignUp(base, Alignment)
	return &Arena{
		mem:  mem,
		base: base,
		top:  base,
		live: make(map[uint32]uint32),
	}
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves size bytes and returns their offset.
func (a *Arena) Alloc(_ context.Context, size uint32) (uint32, error) {
	n := alignUp(max(size, 1), Alignment)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.size < n {
			continue
		}
		if s.size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{off: s.off + n, size: s.size - n}
		}
		a.live[s.off] = n
		return s.off, nil
	}

	off := a.top
	end := uint64(off) + uint64(n)
	if end > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: request of %d bytes", ErrOutOfMemory, size)
	}
	if cur := uint64(a.mem.Size()); end > cur {
		pages := uint32((end - cur + PageSize - 1) / PageSize)
		if _, ok := a.mem.Grow(pages); !ok {
			return 0, fmt.Errorf("%w: cannot grow by %d pages", ErrOutOfMemory, pages)
		}
	}
	a.top = uint32(end)
	a.live[off] = n
	return off, nil
}

// Free releases a region returned by Alloc. size is accepted for interface
// symmetry; the arena uses the size it recorded.
func (a *Arena) Free(_ context.Context, ptr, _ uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.live[ptr]
	if !ok {
		return fmt.Errorf("free of unknown pointer %d", ptr)
	}
	delete(a.live, ptr)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > ptr })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off: ptr, size: n}

	// merge with the following span, then the preceding one
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	if last := len(a.free) - 1; last >= 0 && a.free[last].off+a.free[last].size == a.top {
		a.top = a.free[last].off
		a.free = a.free[:last]
	}
	return nil
}

// Live returns the number of outstanding allocations and their total size.
func (a *Arena) Live() (count int, bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.live {
		bytes += uint64(n)
	}
	return len(a.live), bytes
}
