// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package bitm defines a bitmap type used for block-based
// resource management, such as sub-allocation of memory
// pools and free list implementations.
package bitm

import "unsafe"

// Uint represents the granularity of a bitmap.
type Uint interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Bitm is a growable bitmap with custom granularity.
// A set bit indicates an occupied block.
type Bitm[T Uint] struct {
	m   []T
	rem int
}

// nbit returns the number of bits in T.
func (m *Bitm[T]) nbit() int { return int(unsafe.Sizeof(T(0))) * 8 }

// Len returns the number of set bits in the map.
func (m *Bitm[_]) Len() int { return len(m.m)*m.nbit() - m.rem }

// Cap returns the total number of bits in the map.
func (m *Bitm[_]) Cap() int { return len(m.m) * m.nbit() }

// Rem returns the number of unset bits in the map.
func (m *Bitm[_]) Rem() int { return m.rem }

// Grow resizes the map to contain nplus additional Uints.
// The new extent is appended as a contiguous range of unset
// bits, so a subsequent call to SearchRange requesting up to
//
//	nplus * <number of bits in T>
//
// bits is guaranteed to succeed.
// It returns the value of m.Cap prior to the call.
func (m *Bitm[T]) Grow(nplus int) (index int) {
	index = m.Cap()
	if nplus > 0 {
		m.rem += nplus * m.nbit()
		m.m = append(m.m, make([]T, nplus)...)
	}
	return
}

// Set sets the given bit.
func (m *Bitm[T]) Set(index int) {
	n := m.nbit()
	i := index / n
	b := T(1) << (index & (n - 1))
	if m.m[i]&b == 0 {
		m.m[i] |= b
		m.rem--
	}
}

// Unset unsets the given bit.
func (m *Bitm[T]) Unset(index int) {
	n := m.nbit()
	i := index / n
	b := T(1) << (index & (n - 1))
	if m.m[i]&b != 0 {
		m.m[i] &^= b
		m.rem++
	}
}

// IsSet checks whether the given bit is set.
func (m *Bitm[T]) IsSet(index int) bool {
	n := m.nbit()
	return m.m[index/n]&(T(1)<<(index&(n-1))) != 0
}

// Search attempts to locate an unset bit in the map.
// If ok is true, then index is suitable for use in a
// call to m.Set.
// It fails only when m.Rem() == 0.
func (m *Bitm[T]) Search() (index int, ok bool) {
	if m.rem == 0 {
		return
	}
	for i, x := range m.m {
		if x == ^T(0) {
			continue
		}
		var b int
		for ; x&(1<<b) != 0; b++ {
		}
		return i*m.nbit() + b, true
	}
	return
}

// SearchRange attempts to locate a contiguous range of n
// unset bits in the map.
// If ok is true, then every index in [index, index+n) is
// suitable for use in a call to m.Set.
// It calls Search if n <= 1.
func (m *Bitm[T]) SearchRange(n int) (index int, ok bool) {
	if n <= 1 {
		return m.Search()
	}
	if m.rem < n {
		return
	}
	nb := m.nbit()
	var cnt int
	for i := range m.m {
		switch x := m.m[i]; x {
		case 0:
			if cnt += nb; cnt >= n {
				return index, true
			}
		case ^T(0):
			cnt = 0
			index = (i + 1) * nb
		default:
			for b := 0; b < nb; b++ {
				if x&(1<<b) == 0 {
					if cnt++; cnt >= n {
						return index, true
					}
					continue
				}
				cnt = 0
				index = i*nb + b + 1
			}
		}
	}
	return 0, false
}

// Clear unsets every bit in the map.
func (m *Bitm[T]) Clear() {
	if m.Len() == 0 {
		return
	}
	clear(m.m)
	m.rem = m.Cap()
}
