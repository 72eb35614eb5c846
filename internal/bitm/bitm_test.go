// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package bitm

import (
	"testing"
	"unsafe"
)

func TestNbit(t *testing.T) {
	for _, x := range [...][2]int{
		{int(unsafe.Sizeof(uint(0))) * 8, (&Bitm[uint]{}).nbit()},
		{int(unsafe.Sizeof(uint8(0))) * 8, (&Bitm[uint8]{}).nbit()},
		{int(unsafe.Sizeof(uint16(0))) * 8, (&Bitm[uint16]{}).nbit()},
		{int(unsafe.Sizeof(uint32(0))) * 8, (&Bitm[uint32]{}).nbit()},
		{int(unsafe.Sizeof(uint64(0))) * 8, (&Bitm[uint64]{}).nbit()},
		{int(unsafe.Sizeof(uintptr(0))) * 8, (&Bitm[uintptr]{}).nbit()},
	} {
		if x[0] != x[1] {
			t.Fatalf("Bitm[T].nbit:\nhave %v\nwant %v", x[0], x[1])
		}
	}
}

func TestZero(t *testing.T) {
	var m Bitm[uint16]
	if m.m != nil {
		t.Fatalf("m.m:\nhave %v\nwant nil", m.m)
	}
	if m.rem != 0 {
		t.Fatalf("m.rem:\nhave %v\nwant 0", m.rem)
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("m.Len:\nhave %v\nwant 0", n)
	}
	if n := m.Cap(); n != 0 {
		t.Fatalf("m.Cap:\nhave %v\nwant 0", n)
	}
	if n := m.Rem(); n != 0 {
		t.Fatalf("m.Rem:\nhave %v\nwant 0", n)
	}
}

func TestGrow(t *testing.T) {
	var m Bitm[uint8]
	if i := m.Grow(2); i != 0 {
		t.Fatalf("m.Grow:\nhave %v\nwant 0", i)
	}
	if n := m.Cap(); n != 16 {
		t.Fatalf("m.Cap:\nhave %v\nwant 16", n)
	}
	if n := m.Rem(); n != 16 {
		t.Fatalf("m.Rem:\nhave %v\nwant 16", n)
	}
	if i := m.Grow(1); i != 16 {
		t.Fatalf("m.Grow:\nhave %v\nwant 16", i)
	}
	if n := m.Cap(); n != 24 {
		t.Fatalf("m.Cap:\nhave %v\nwant 24", n)
	}
	if i := m.Grow(0); i != 24 {
		t.Fatalf("m.Grow:\nhave %v\nwant 24", i)
	}
}

func TestSetUnset(t *testing.T) {
	var m Bitm[uint32]
	m.Grow(1)
	for _, i := range [...]int{0, 1, 15, 31} {
		if m.IsSet(i) {
			t.Fatalf("m.IsSet(%v):\nhave true\nwant false", i)
		}
		m.Set(i)
		if !m.IsSet(i) {
			t.Fatalf("m.IsSet(%v):\nhave false\nwant true", i)
		}
	}
	if n := m.Len(); n != 4 {
		t.Fatalf("m.Len:\nhave %v\nwant 4", n)
	}
	// Setting a set bit must not skew the count.
	m.Set(15)
	if n := m.Len(); n != 4 {
		t.Fatalf("m.Len:\nhave %v\nwant 4", n)
	}
	m.Unset(15)
	if m.IsSet(15) {
		t.Fatal("m.IsSet(15):\nhave true\nwant false")
	}
	m.Unset(15)
	if n := m.Rem(); n != 29 {
		t.Fatalf("m.Rem:\nhave %v\nwant 29", n)
	}
}

func TestSearch(t *testing.T) {
	var m Bitm[uint8]
	if _, ok := m.Search(); ok {
		t.Fatal("m.Search:\nhave ok\nwant !ok")
	}
	m.Grow(1)
	for i := 0; i < 8; i++ {
		j, ok := m.Search()
		if !ok {
			t.Fatal("m.Search:\nhave !ok\nwant ok")
		}
		if j != i {
			t.Fatalf("m.Search:\nhave %v\nwant %v", j, i)
		}
		m.Set(j)
	}
	if _, ok := m.Search(); ok {
		t.Fatal("m.Search:\nhave ok\nwant !ok")
	}
	m.Unset(5)
	if i, ok := m.Search(); !ok || i != 5 {
		t.Fatalf("m.Search:\nhave %v, %v\nwant 5, true", i, ok)
	}
}

func TestSearchRange(t *testing.T) {
	var m Bitm[uint8]
	m.Grow(4)
	i, ok := m.SearchRange(32)
	if !ok || i != 0 {
		t.Fatalf("m.SearchRange:\nhave %v, %v\nwant 0, true", i, ok)
	}
	if _, ok = m.SearchRange(33); ok {
		t.Fatal("m.SearchRange:\nhave ok\nwant !ok")
	}
	// Fragment the map and search across word
	// boundaries.
	for _, x := range [...]int{0, 1, 2, 3, 10, 21} {
		m.Set(x)
	}
	i, ok = m.SearchRange(8)
	if !ok || i != 11 {
		t.Fatalf("m.SearchRange:\nhave %v, %v\nwant 11, true", i, ok)
	}
	i, ok = m.SearchRange(6)
	if !ok || i != 4 {
		t.Fatalf("m.SearchRange:\nhave %v, %v\nwant 4, true", i, ok)
	}
	for j := 11; j < 19; j++ {
		m.Set(j)
	}
	i, ok = m.SearchRange(10)
	if !ok || i != 22 {
		t.Fatalf("m.SearchRange:\nhave %v, %v\nwant 22, true", i, ok)
	}
	// A full map fails regardless of n.
	for j := 0; j < m.Cap(); j++ {
		m.Set(j)
	}
	if _, ok = m.SearchRange(1); ok {
		t.Fatal("m.SearchRange:\nhave ok\nwant !ok")
	}
	m.Unset(30)
	m.Unset(31)
	i, ok = m.SearchRange(2)
	if !ok || i != 30 {
		t.Fatalf("m.SearchRange:\nhave %v, %v\nwant 30, true", i, ok)
	}
}

func TestClear(t *testing.T) {
	var m Bitm[uint16]
	m.Grow(2)
	for _, i := range [...]int{0, 7, 16, 31} {
		m.Set(i)
	}
	m.Clear()
	if n := m.Len(); n != 0 {
		t.Fatalf("m.Len:\nhave %v\nwant 0", n)
	}
	if n := m.Rem(); n != 32 {
		t.Fatalf("m.Rem:\nhave %v\nwant 32", n)
	}
	for _, i := range [...]int{0, 7, 16, 31} {
		if m.IsSet(i) {
			t.Fatalf("m.IsSet(%v):\nhave true\nwant false", i)
		}
	}
}
