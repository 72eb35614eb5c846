// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gviegas/hal/driver/null"
)

// newTestPool creates a pool on a private null driver.
func newTestPool(t *testing.T, class Memory, size int64) *memPool {
	t.Helper()
	var drv null.Driver
	gpu, err := drv.Open()
	require.NoError(t, err)
	t.Cleanup(drv.Close)
	p, err := newMemPool(gpu, class, size)
	require.NoError(t, err)
	t.Cleanup(p.destroy)
	return p
}

func TestPoolRounding(t *testing.T) {
	p := newTestPool(t, HostVisible, 1000)
	// Capacity rounds up to whole bitmap words.
	assert.Equal(t, int64(blockSize*blockNBit), p.capacity())
	assert.Zero(t, p.used)
}

func TestPoolAllocFree(t *testing.T) {
	p := newTestPool(t, HostVisible, 64<<10)
	a, err := p.alloc(1024, bufAlign)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.size, int64(1024))
	assert.Zero(t, a.off%bufAlign)
	b, err := p.alloc(512, bufAlign)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.off, a.off+a.size)
	used := p.used
	p.free(a)
	assert.Less(t, p.used, used)
	// The freed range is reusable.
	c, err := p.alloc(1024, bufAlign)
	require.NoError(t, err)
	assert.Equal(t, a.off, c.off)
	p.free(b)
	p.free(c)
	assert.Zero(t, p.used)
}

func TestPoolAlign(t *testing.T) {
	p := newTestPool(t, HostVisible, 64<<10)
	a, err := p.alloc(4, bufAlign)
	require.NoError(t, err)
	b, err := p.alloc(4, constAlign)
	require.NoError(t, err)
	assert.Zero(t, b.off%constAlign)
	// The aligned offset stays inside the allocation.
	assert.GreaterOrEqual(t, b.off, int64(b.first)*blockSize)
	assert.Less(t, b.off+4, int64(b.first+b.blocks)*blockSize+1)
	p.free(a)
	p.free(b)
	assert.Zero(t, p.used)
}

func TestPoolExhaustion(t *testing.T) {
	p := newTestPool(t, DeviceLocal, blockSize*blockNBit)
	a, err := p.alloc(p.capacity(), blockSize)
	require.NoError(t, err)
	_, err = p.alloc(1, blockSize)
	assert.ErrorIs(t, err, ErrNoMemory)
	p.free(a)
	_, err = p.alloc(1, blockSize)
	assert.NoError(t, err)
}

// TestPoolNeverOverlaps allocates and frees in a mixed
// pattern and checks that live allocations never share
// blocks.
func TestPoolNeverOverlaps(t *testing.T) {
	p := newTestPool(t, HostVisible, 256<<10)
	type span struct{ lo, hi int64 }
	live := make(map[int]span)
	var allocs []allocation
	sizes := []int64{100, 512, 4096, 60, 1024, 8192, 300}
	for i, sz := range sizes {
		a, err := p.alloc(sz, bufAlign)
		require.NoError(t, err)
		allocs = append(allocs, a)
		live[i] = span{a.off, a.off + sz}
	}
	// Free some and allocate again.
	p.free(allocs[1])
	delete(live, 1)
	p.free(allocs[4])
	delete(live, 4)
	for i, sz := range []int64{256, 700} {
		a, err := p.alloc(sz, bufAlign)
		require.NoError(t, err)
		allocs = append(allocs, a)
		live[len(sizes)+i] = span{a.off, a.off + sz}
	}
	for i, x := range live {
		for j, y := range live {
			if i == j {
				continue
			}
			overlap := x.lo < y.hi && y.lo < x.hi
			assert.False(t, overlap, "allocations %d and %d overlap", i, j)
		}
	}
}

func TestPoolBytes(t *testing.T) {
	hv := newTestPool(t, HostVisible, 64<<10)
	a, err := hv.alloc(128, bufAlign)
	require.NoError(t, err)
	b := hv.bytes(a)
	require.NotNil(t, b)
	assert.Len(t, b, 128)
	hv.free(a)

	dl := newTestPool(t, DeviceLocal, 64<<10)
	a, err = dl.alloc(128, bufAlign)
	require.NoError(t, err)
	assert.Nil(t, dl.bytes(a))
	dl.free(a)
}
