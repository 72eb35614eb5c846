// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import "github.com/gviegas/hal/driver"

// kind discriminates the resource stored in a slot.
type kind uint8

const (
	kindBuffer kind = iota + 1
	kindImage
	kindShader
)

func (k kind) String() string {
	switch k {
	case kindBuffer:
		return "buffer"
	case kindImage:
		return "image"
	case kindShader:
		return "shader"
	}
	return "invalid"
}

// resource is the backing state of a live slot.
type resource struct {
	kind kind

	// Buffers are spans sub-allocated from a memory
	// pool.
	bufSpec BufferSpec
	alloc   allocation
	pool    *memPool

	// Images own a driver resource outright.
	img     driver.Image
	imgSpec ImageSpec

	// Shaders keep the driver blob and a content digest
	// for pipeline cache keying.
	code   driver.ShaderCode
	digest [32]byte
}

// slot is an entry in the resource table.
// refs counts in-flight submissions that reference the
// resource. A destroyed slot is not released natively
// until refs drops to zero and the retirement sweep
// observes it.
type slot struct {
	gen       uint32
	refs      int
	destroyed bool
	res       *resource
}

// registry maps handles to resources.
// It must only be accessed with the owning Device's
// mutex held.
type registry struct {
	slots []slot
	free  []int
}

// insert stores res in a free slot and returns its
// handle.
func (r *registry) insert(res *resource) handle {
	var i int
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		i = len(r.slots)
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[i]
	s.refs = 0
	s.destroyed = false
	s.res = res
	return makeHandle(i, s.gen)
}

// resolve returns the slot identified by h, checking the
// generation and the resource kind.
// Destroyed slots fail with ErrInvalidHandle: once marked,
// a resource is gone from the caller's point of view even
// while the retirement sweep keeps it internally alive.
func (r *registry) resolve(h handle, k kind) (*slot, error) {
	i := h.index()
	if i < 0 || i >= len(r.slots) {
		return nil, ErrInvalidHandle
	}
	s := &r.slots[i]
	if s.gen != h.gen() || s.res == nil || s.res.kind != k {
		return nil, ErrInvalidHandle
	}
	if s.destroyed {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// resolveAny is like resolve but accepts destroyed slots
// that are still internally alive. The retirement sweep
// uses it to reach resources pending release.
func (r *registry) resolveAny(h handle) *slot {
	i := h.index()
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	s := &r.slots[i]
	if s.gen != h.gen() || s.res == nil {
		return nil
	}
	return s
}

// release frees the slot holding h, bumping its
// generation so stale handles are detected.
// The caller is responsible for destroying the native
// resource beforehand.
func (r *registry) release(h handle) {
	i := h.index()
	s := &r.slots[i]
	s.gen++
	s.res = nil
	s.refs = 0
	s.destroyed = false
	r.free = append(r.free, i)
}

// live returns the number of occupied slots.
func (r *registry) live() int {
	return len(r.slots) - len(r.free)
}
