// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gviegas/hal/driver"
	"github.com/gviegas/hal/driver/null"
)

// newTestDevice opens a Device on a private null driver.
func newTestDevice(t *testing.T, cfg Config) (*Device, *null.Driver) {
	t.Helper()
	var drv null.Driver
	gpu, err := drv.Open()
	require.NoError(t, err)
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.PanicLevel)
	}
	d, err := OpenGPU(gpu, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		drv.Close()
	})
	return d, &drv
}

// spirv builds a minimal module blob whose content varies
// with tag, so distinct tags produce distinct digests.
func spirv(tag uint32) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b, 0x07230203)
	binary.LittleEndian.PutUint32(b[4:], 0x00010000)
	binary.LittleEndian.PutUint32(b[20:], tag)
	return b
}

func TestOpen(t *testing.T) {
	d, err := Open(Config{Driver: "null"})
	require.NoError(t, err)
	assert.False(t, d.Lost())
	assert.Positive(t, d.Limits().MaxImage2D)
	d.Close()

	_, err = Open(Config{Driver: "no-such-driver"})
	assert.ErrorIs(t, err, driver.ErrNoDevice)
}

func TestNewBuffer(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	b, err := d.NewBuffer(BufferSpec{
		Size:   1024,
		Usage:  UsageCopyDst | UsageCopySrc,
		Memory: HostVisible,
	})
	require.NoError(t, err)
	p, err := d.Bytes(b)
	require.NoError(t, err)
	assert.Len(t, p, 1024)
	n, err := d.BufferCap(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)
	require.NoError(t, d.DestroyBuffer(b))

	_, err = d.NewBuffer(BufferSpec{Size: 0, Usage: UsageCopyDst})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	_, err = d.NewBuffer(BufferSpec{Size: 16, Usage: UsageRenderTarget})
	assert.ErrorAs(t, err, &verr)
	_, err = d.NewBuffer(BufferSpec{Size: 16})
	assert.ErrorAs(t, err, &verr)
}

func TestBufferNoMemory(t *testing.T) {
	d, _ := newTestDevice(t, Config{HostVisibleSize: 16 << 10})
	_, err := d.NewBuffer(BufferSpec{
		Size:   1 << 20,
		Usage:  UsageCopyDst,
		Memory: HostVisible,
	})
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestDeviceLocalBytes(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	b, err := d.NewBuffer(BufferSpec{
		Size:   256,
		Usage:  UsageStorage,
		Memory: DeviceLocal,
	})
	require.NoError(t, err)
	_, err = d.Bytes(b)
	assert.ErrorIs(t, err, driver.ErrCannotMap)
	require.NoError(t, d.DestroyBuffer(b))
}

func TestNewImage(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	img, err := d.NewImage(ImageSpec{
		Format: driver.RGBA8un,
		Dim:    driver.Dim3D{Width: 16, Height: 16, Depth: 1},
		Usage:  UsageRenderTarget | UsageCopySrc,
	})
	require.NoError(t, err)
	require.NoError(t, d.DestroyImage(img))

	_, err = d.NewImage(ImageSpec{
		Format: driver.RGBA8un,
		Dim:    driver.Dim3D{Width: 16, Height: 16, Depth: 1},
		Usage:  UsageVertex,
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNewShader(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	s, err := d.NewShader(spirv(1))
	require.NoError(t, err)
	require.NoError(t, d.DestroyShader(s))

	_, err = d.NewShader([]byte("not spirv"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

// TestStaleHandle checks that a recycled slot rejects
// handles from its previous life.
func TestStaleHandle(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	b, err := d.NewBuffer(BufferSpec{Size: 64, Usage: UsageCopyDst, Memory: HostVisible})
	require.NoError(t, err)
	require.NoError(t, d.DestroyBuffer(b))
	// No work references b; one poll releases it.
	d.Queue().Poll()
	_, err = d.Bytes(b)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, d.DestroyBuffer(b), ErrInvalidHandle)

	// The slot is recycled with a new generation; the
	// old handle must still fail.
	b2, err := d.NewBuffer(BufferSpec{Size: 64, Usage: UsageCopyDst, Memory: HostVisible})
	require.NoError(t, err)
	assert.Equal(t, b.h.index(), b2.h.index())
	assert.NotEqual(t, b.h.gen(), b2.h.gen())
	_, err = d.Bytes(b)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	p, err := d.Bytes(b2)
	require.NoError(t, err)
	assert.Len(t, p, 64)
}

func TestZeroHandle(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	var b Buffer
	_, err := d.Bytes(b)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	var img Image
	assert.ErrorIs(t, d.DestroyImage(img), ErrInvalidHandle)
}

func TestKindMismatch(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	b, err := d.NewBuffer(BufferSpec{Size: 64, Usage: UsageCopyDst, Memory: HostVisible})
	require.NoError(t, err)
	// An image handle forged from a buffer handle must
	// not resolve.
	img := Image{h: b.h}
	assert.ErrorIs(t, d.DestroyImage(img), ErrInvalidHandle)
	require.NoError(t, d.DestroyBuffer(b))
}

func TestDoubleDestroy(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	b, err := d.NewBuffer(BufferSpec{Size: 64, Usage: UsageCopyDst, Memory: HostVisible})
	require.NoError(t, err)
	require.NoError(t, d.DestroyBuffer(b))
	assert.ErrorIs(t, d.DestroyBuffer(b), ErrInvalidHandle)
}

func TestLostDevice(t *testing.T) {
	d, drv := newTestDevice(t, Config{})
	drv.FailNext(driver.ErrFatal)
	enc := d.NewEncoder()
	seq, err := enc.Finish()
	require.NoError(t, err)
	id, err := d.Queue().Submit(seq)
	require.NoError(t, err)
	require.NoError(t, d.Queue().Wait(id, 0))
	assert.True(t, d.Lost())

	_, err = d.NewBuffer(BufferSpec{Size: 64, Usage: UsageCopyDst, Memory: HostVisible})
	assert.ErrorIs(t, err, ErrDeviceLost)
	enc = d.NewEncoder()
	seq, err = enc.Finish()
	require.NoError(t, err)
	_, err = d.Queue().Submit(seq)
	assert.ErrorIs(t, err, ErrDeviceLost)
}
