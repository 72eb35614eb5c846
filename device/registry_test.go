// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertResolve(t *testing.T) {
	var r registry
	h := r.insert(&resource{kind: kindBuffer})
	assert.Equal(t, 0, h.index())
	assert.Equal(t, uint32(0), h.gen())
	assert.Equal(t, 1, r.live())

	s, err := r.resolve(h, kindBuffer)
	require.NoError(t, err)
	assert.Equal(t, kindBuffer, s.res.kind)

	_, err = r.resolve(h, kindImage)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestRegistryZeroHandle(t *testing.T) {
	var r registry
	r.insert(&resource{kind: kindBuffer})
	var h handle
	_, err := r.resolve(h, kindBuffer)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Nil(t, r.resolveAny(h))
}

func TestRegistryGeneration(t *testing.T) {
	var r registry
	h := r.insert(&resource{kind: kindImage})
	r.release(h)
	assert.Equal(t, 0, r.live())

	_, err := r.resolve(h, kindImage)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Nil(t, r.resolveAny(h))

	// The slot is recycled with a bumped generation.
	h2 := r.insert(&resource{kind: kindImage})
	assert.Equal(t, h.index(), h2.index())
	assert.Equal(t, h.gen()+1, h2.gen())
	_, err = r.resolve(h, kindImage)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = r.resolve(h2, kindImage)
	assert.NoError(t, err)
}

func TestRegistryDestroyed(t *testing.T) {
	var r registry
	h := r.insert(&resource{kind: kindShader})
	s, err := r.resolve(h, kindShader)
	require.NoError(t, err)
	s.destroyed = true

	// resolve treats destroyed slots as gone; resolveAny
	// still reaches them for the retirement sweep.
	_, err = r.resolve(h, kindShader)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	require.NotNil(t, r.resolveAny(h))
	assert.True(t, r.resolveAny(h).destroyed)
	assert.Equal(t, 1, r.live())
}

func TestRegistryFreeList(t *testing.T) {
	var r registry
	var hs []handle
	for i := range 4 {
		h := r.insert(&resource{kind: kindBuffer})
		assert.Equal(t, i, h.index())
		hs = append(hs, h)
	}
	r.release(hs[1])
	r.release(hs[3])
	assert.Equal(t, 2, r.live())

	// Freed slots are reused before the table grows.
	h := r.insert(&resource{kind: kindBuffer})
	assert.Less(t, h.index(), 4)
	h = r.insert(&resource{kind: kindBuffer})
	assert.Less(t, h.index(), 4)
	h = r.insert(&resource{kind: kindBuffer})
	assert.Equal(t, 4, h.index())
	assert.Equal(t, 5, r.live())
}
