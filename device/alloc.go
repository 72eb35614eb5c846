// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"github.com/sirupsen/logrus"

	"github.com/gviegas/hal/driver"
	"github.com/gviegas/hal/internal/bitm"
)

// Memory is the locality class of an allocation.
type Memory int

// Memory classes.
const (
	// DeviceLocal memory cannot be accessed by the CPU.
	DeviceLocal Memory = iota
	// HostVisible memory can be written and read through
	// Bytes.
	HostVisible
)

// Pool sub-allocation granularity.
// Allocations are tracked as contiguous runs of blocks in
// a bitmap, one bit per block, so freeing a run merges it
// with any adjacent free space by construction.
const (
	blockSize = 512
	blockNBit = 32
)

// allocation is a span of a memory pool.
// first/blocks identify the reserved bitmap run, which
// may begin before off when the span was aligned.
type allocation struct {
	off    int64
	size   int64
	first  int
	blocks int
}

// memPool sub-allocates one large driver buffer.
// It must only be accessed with the owning Device's
// mutex held.
type memPool struct {
	class Memory
	buf   driver.Buffer
	bm    bitm.Bitm[uint32]
	used  int64
}

// newMemPool creates a pool of at least size bytes.
// size is rounded up to the bitmap word granularity.
func newMemPool(gpu driver.GPU, class Memory, size int64) (*memPool, error) {
	if size <= 0 {
		panic("newMemPool: size <= 0")
	}
	const gran = blockSize * blockNBit
	size = (size + gran - 1) &^ (gran - 1)
	visible := class == HostVisible
	buf, err := gpu.NewBuffer(size, visible, driver.UGeneric)
	if err != nil {
		return nil, err
	}
	p := &memPool{class: class, buf: buf}
	p.bm.Grow(int(size / gran))
	return p, nil
}

// alloc reserves a span of size bytes aligned to align.
// It fails with ErrNoMemory when no contiguous run of
// free blocks can hold the span.
func (p *memPool) alloc(size, align int64) (allocation, error) {
	if size <= 0 {
		panic("memPool.alloc: size <= 0")
	}
	if align <= 0 {
		align = 1
	}
	// Block granularity caps the supported alignment;
	// spans always start at a block boundary.
	need := size
	if align > blockSize {
		need += align - blockSize
	}
	n := int((need + blockSize - 1) / blockSize)
	idx, ok := p.bm.SearchRange(n)
	if !ok {
		return allocation{}, ErrNoMemory
	}
	for i := range n {
		p.bm.Set(idx + i)
	}
	off := int64(idx) * blockSize
	if r := off % align; r != 0 {
		off += align - r
	}
	a := allocation{off: off, size: size, first: idx, blocks: n}
	p.used += int64(n) * blockSize
	return a, nil
}

// free returns a's blocks to the pool.
func (p *memPool) free(a allocation) {
	for i := range a.blocks {
		p.bm.Unset(a.first + i)
	}
	p.used -= int64(a.blocks) * blockSize
	if p.used < 0 {
		panic("memPool.free: negative usage")
	}
}

// capacity returns the pool's byte capacity.
func (p *memPool) capacity() int64 { return p.buf.Cap() }

// bytes returns the host view of a's span.
// It is nil for non-visible pools.
func (p *memPool) bytes(a allocation) []byte {
	b := p.buf.Bytes()
	if b == nil {
		return nil
	}
	return b[a.off : a.off+a.size : a.off+a.size]
}

// destroy releases the pool's driver buffer.
func (p *memPool) destroy() {
	if p.buf != nil {
		if p.used != 0 {
			logrus.WithField("used", p.used).Warn("memory pool destroyed with live allocations")
		}
		p.buf.Destroy()
		p.buf = nil
	}
}
