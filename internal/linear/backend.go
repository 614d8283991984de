// Package linear provides linear-memory compute backends: a compiled kernel
// module executed by wazero, and a pure-software fallback that honours the
// same entry-point names, arity and pointer convention.
package linear

import (
	"context"
	"fmt"
	"math"

	"github.com/fxnlabs/adaptive-compute/internal/kernels"
)

// SoftwareName is the name reported by the software backend.
const SoftwareName = "software"

// Backend is a bound linear-memory backend: memory accessor, allocator and
// kernel entry points.
type Backend struct {
	Name      string
	Memory    Memory
	Allocator Allocator
	Kernels   *kernels.Set

	software bool
	closer   func(ctx context.Context) error
}

// Lookup resolves op to its bound entry point.
func (b *Backend) Lookup(op kernels.Op) (kernels.EntryPoint, bool) {
	if b == nil {
		return nil, false
	}
	return b.Kernels.Lookup(op)
}

// Software reports whether b is the pure-software fallback.
func (b *Backend) Software() bool {
	return b != nil && b.software
}

// Close releases the backend's runtime. Safe to call more than once.
func (b *Backend) Close(ctx context.Context) error {
	if b == nil || b.closer == nil {
		return nil
	}
	closer := b.closer
	b.closer = nil
	return closer(ctx)
}

// Create allocates size bytes of linear memory. It lets a Backend serve as
// the source of a memory pool.
func (b *Backend) Create(ctx context.Context, size uint64, _ string) (uint32, error) {
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes exceeds the 32-bit address space", ErrOutOfMemory, size)
	}
	return b.Allocator.Alloc(ctx, uint32(size))
}

// Destroy frees a region returned by Create.
func (b *Backend) Destroy(ctx context.Context, ptr uint32, size uint64) error {
	return b.Allocator.Free(ctx, ptr, uint32(size))
}
