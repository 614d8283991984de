package linear

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocAligned(t *testing.T) {
	ctx := context.Background()
	a := NewArena(newSoftMemory(1, 4), 0)

	p1, err := a.Alloc(ctx, 3)
	require.NoError(t, err)
	p2, err := a.Alloc(ctx, 20)
	require.NoError(t, err)

	assert.Equal(t, uint32(Alignment), p1, "first pointer is never zero")
	assert.Equal(t, uint32(0), p2%Alignment)
	assert.Equal(t, p1+Alignment, p2)

	count, bytes := a.Live()
	assert.Equal(t, 2, count)
	assert.Equal(t, uint64(Alignment+32), bytes)
}

func TestArenaReusesFreedSpans(t *testing.T) {
	ctx := context.Background()
	a := NewArena(newSoftMemory(1, 1), 64)

	p1, err := a.Alloc(ctx, 32)
	require.NoError(t, err)
	p2, err := a.Alloc(ctx, 32)
	require.NoError(t, err)
	_, err = a.Alloc(ctx, 32)
	require.NoError(t, err)

	require.NoError(t, a.Free(ctx, p1, 32))
	require.NoError(t, a.Free(ctx, p2, 32))

	// the two freed neighbours coalesce into one 64 byte span
	p4, err := a.Alloc(ctx, 64)
	require.NoError(t, err)
	assert.Equal(t, p1, p4)
}

func TestArenaHighWaterShrinks(t *testing.T) {
	ctx := context.Background()
	a := NewArena(newSoftMemory(1, 1), 64)

	p1, err := a.Alloc(ctx, 128)
	require.NoError(t, err)
	require.NoError(t, a.Free(ctx, p1, 128))

	assert.Equal(t, uint32(64), a.top)
	assert.Empty(t, a.free)

	count, _ := a.Live()
	assert.Zero(t, count)
}

func TestArenaGrowsMemory(t *testing.T) {
	ctx := context.Background()
	mem := newSoftMemory(1, 3)
	a := NewArena(mem, 64)

	p, err := a.Alloc(ctx, PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), p)
	assert.Equal(t, uint32(2*PageSize), mem.Size())
}

func TestArenaOutOfMemory(t *testing.T) {
	ctx := context.Background()
	a := NewArena(newSoftMemory(1, 1), 64)

	_, err := a.Alloc(ctx, PageSize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}

func TestArenaFreeUnknownPointer(t *testing.T) {
	a := NewArena(newSoftMemory(1, 1), 64)
	assert.Error(t, a.Free(context.Background(), 4096, 16))
}
