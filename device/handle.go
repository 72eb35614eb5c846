// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

// handle identifies a slot in the device's resource table.
// The low 32 bits hold the slot index plus one, so the
// zero handle is never valid. The high 32 bits hold the
// slot's generation at creation time, which detects reuse
// of a destroyed slot by a stale handle.
type handle uint64

// makeHandle packs a slot index and generation.
func makeHandle(index int, gen uint32) handle {
	return handle(uint64(index+1) | uint64(gen)<<32)
}

// index unpacks the slot index.
// It is -1 for the zero handle.
func (h handle) index() int { return int(uint32(h)) - 1 }

// gen unpacks the generation.
func (h handle) gen() uint32 { return uint32(h >> 32) }

// Buffer is a handle to a device buffer.
// The zero value is invalid.
type Buffer struct{ h handle }

// Image is a handle to a device image.
// The zero value is invalid.
type Image struct{ h handle }

// Shader is a handle to a shader binary.
// The zero value is invalid.
type Shader struct{ h handle }
