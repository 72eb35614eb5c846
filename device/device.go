// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package device implements a safety layer over the
// driver interfaces.
// A Device owns every resource it creates and defers
// native destruction until the submissions that reference
// a resource are confirmed retired, so client code cannot
// trigger a use-after-free on the GPU timeline.
package device

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gviegas/hal/driver"
	"github.com/gviegas/hal/shader"
)

// Config parameterizes Device creation.
// The zero value selects the first registered driver and
// sensible pool sizes.
type Config struct {
	// Driver selects a registered driver by name.
	// Empty selects the first one registered.
	Driver string
	// DeviceLocalSize and HostVisibleSize are the byte
	// capacities of the two memory pools.
	DeviceLocalSize int64
	HostVisibleSize int64
	// PipelineBudget caps the number of cached pipeline
	// states. Entries in use never count against it.
	PipelineBudget int
	// Logger overrides the standard logger.
	Logger *logrus.Logger
}

// Pool capacity defaults.
const (
	defaultDeviceLocalSize = 64 << 20
	defaultHostVisibleSize = 16 << 20
	defaultPipelineBudget  = 64
)

// Device is the singular owner of a GPU connection and of
// every resource created through it.
// Methods of Device and of its Queue are safe for
// concurrent use. Encoders are not; see NewEncoder.
type Device struct {
	mu    sync.Mutex
	drv   driver.Driver
	gpu   driver.GPU
	reg   registry
	pools [2]*memPool
	que   *Queue
	cache *pipeCache
	lost  bool
	log   *logrus.Entry
}

// Open creates a Device on a registered driver.
func Open(cfg Config) (*Device, error) {
	var drv driver.Driver
	for _, x := range driver.Drivers() {
		if cfg.Driver == "" || x.Name() == cfg.Driver {
			drv = x
			break
		}
	}
	if drv == nil {
		return nil, driver.ErrNoDevice
	}
	gpu, err := drv.Open()
	if err != nil {
		return nil, err
	}
	d, err := OpenGPU(gpu, cfg)
	if err != nil {
		drv.Close()
		return nil, err
	}
	d.drv = drv
	return d, nil
}

// OpenGPU creates a Device on an already opened GPU.
// The caller remains responsible for closing the GPU's
// driver after the Device is closed.
func OpenGPU(gpu driver.GPU, cfg Config) (*Device, error) {
	if cfg.DeviceLocalSize <= 0 {
		cfg.DeviceLocalSize = defaultDeviceLocalSize
	}
	if cfg.HostVisibleSize <= 0 {
		cfg.HostVisibleSize = defaultHostVisibleSize
	}
	if cfg.PipelineBudget <= 0 {
		cfg.PipelineBudget = defaultPipelineBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Device{
		gpu: gpu,
		log: logger.WithField("gpu", gpu.Driver().Name()),
	}
	var err error
	if d.pools[DeviceLocal], err = newMemPool(gpu, DeviceLocal, cfg.DeviceLocalSize); err != nil {
		return nil, err
	}
	if d.pools[HostVisible], err = newMemPool(gpu, HostVisible, cfg.HostVisibleSize); err != nil {
		d.pools[DeviceLocal].destroy()
		return nil, err
	}
	d.que = newQueue(d)
	d.cache = newPipeCache(d, cfg.PipelineBudget)
	d.log.Debug("device opened")
	return d, nil
}

// Queue returns the Device's submission queue.
func (d *Device) Queue() *Queue { return d.que }

// Limits returns the driver's implementation limits.
func (d *Device) Limits() driver.Limits { return d.gpu.Limits() }

// Lost returns whether the Device is lost.
// A lost Device fails every operation except Close.
func (d *Device) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// markLost transitions the Device into the lost state.
// Called with d.mu held.
func (d *Device) markLost() {
	if !d.lost {
		d.lost = true
		d.log.Error("device lost")
	}
}

// Close tears the Device down.
// It blocks until in-flight submissions retire (or the
// device is lost), then releases every live resource.
func (d *Device) Close() {
	d.que.drain()
	d.mu.Lock()
	// Everything still deferred is now safe to release.
	d.que.lastCompleted = d.que.lastSubmitted
	d.que.sweepLocked()
	for i := range d.reg.slots {
		if s := &d.reg.slots[i]; s.res != nil {
			d.releaseNative(s.res)
			s.res = nil
		}
	}
	d.cache.drop()
	for _, cb := range d.que.freeCB {
		cb.Destroy()
	}
	d.que.freeCB = nil
	for _, p := range d.pools {
		if p != nil {
			p.destroy()
		}
	}
	drv := d.drv
	d.drv = nil
	d.mu.Unlock()
	if drv != nil {
		drv.Close()
	}
	d.log.Debug("device closed")
}

// Usage is a mask indicating valid uses for a device
// resource.
type Usage int

// Usage flags.
const (
	UsageVertex Usage = 1 << iota
	UsageIndex
	UsageUniform
	UsageStorage
	UsageCopySrc
	UsageCopyDst
	// Image-only flags.
	UsageSampled
	UsageRenderTarget
)

// toDriver converts a device usage mask.
func (u Usage) toDriver() driver.Usage {
	var du driver.Usage
	if u&UsageVertex != 0 {
		du |= driver.UVertexData
	}
	if u&UsageIndex != 0 {
		du |= driver.UIndexData
	}
	if u&UsageUniform != 0 {
		du |= driver.UConstData
	}
	if u&UsageStorage != 0 {
		du |= driver.UStorage
	}
	if u&UsageCopySrc != 0 {
		du |= driver.UCopySrc
	}
	if u&UsageCopyDst != 0 {
		du |= driver.UCopyDst
	}
	if u&UsageSampled != 0 {
		du |= driver.UShaderSample
	}
	if u&UsageRenderTarget != 0 {
		du |= driver.URenderTarget
	}
	return du
}

// BufferSpec describes a buffer resource.
type BufferSpec struct {
	Size   int64
	Usage  Usage
	Memory Memory
}

// ImageSpec describes an image resource.
type ImageSpec struct {
	Format  driver.PixelFmt
	Dim     driver.Dim3D
	Layers  int
	Levels  int
	Samples int
	Usage   Usage
}

// Alignment of buffer spans, chosen per usage.
// Constant data obeys the common 256-byte rule.
const (
	constAlign = 256
	bufAlign   = 16
)

// NewBuffer creates a buffer sub-allocated from the pool
// of spec.Memory.
// It fails with ErrNoMemory when the pool cannot hold the
// requested size.
func (d *Device) NewBuffer(spec BufferSpec) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return Buffer{}, ErrDeviceLost
	}
	if spec.Size <= 0 {
		return Buffer{}, validationErr("NewBuffer", "non-positive size %d", spec.Size)
	}
	if spec.Usage&(UsageSampled|UsageRenderTarget) != 0 {
		return Buffer{}, validationErr("NewBuffer", "image-only usage flags")
	}
	if spec.Usage == 0 {
		return Buffer{}, validationErr("NewBuffer", "empty usage mask")
	}
	align := int64(bufAlign)
	if spec.Usage&UsageUniform != 0 {
		align = constAlign
	}
	pool := d.pools[spec.Memory]
	a, err := pool.alloc(spec.Size, align)
	if err != nil {
		return Buffer{}, err
	}
	h := d.reg.insert(&resource{
		kind:    kindBuffer,
		bufSpec: spec,
		alloc:   a,
		pool:    pool,
	})
	return Buffer{h}, nil
}

// NewImage creates an image resource.
func (d *Device) NewImage(spec ImageSpec) (Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return Image{}, ErrDeviceLost
	}
	if spec.Usage&(UsageVertex|UsageIndex|UsageUniform) != 0 {
		return Image{}, validationErr("NewImage", "buffer-only usage flags")
	}
	layers, levels, samples := spec.Layers, spec.Levels, spec.Samples
	if layers == 0 {
		layers = 1
	}
	if levels == 0 {
		levels = 1
	}
	if samples == 0 {
		samples = 1
	}
	img, err := d.gpu.NewImage(spec.Format, spec.Dim, layers, levels, samples, spec.Usage.toDriver())
	if err != nil {
		return Image{}, d.driverErr(err)
	}
	h := d.reg.insert(&resource{
		kind:    kindImage,
		img:     img,
		imgSpec: spec,
	})
	return Image{h}, nil
}

// NewShader creates a shader resource from a SPIR-V blob.
// The module header is validated here; the body is left
// to the driver.
func (d *Device) NewShader(data []byte) (Shader, error) {
	if _, err := shader.Validate(data); err != nil {
		return Shader{}, validationErr("NewShader", "%v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return Shader{}, ErrDeviceLost
	}
	code, err := d.gpu.NewShaderCode(data)
	if err != nil {
		return Shader{}, d.driverErr(err)
	}
	res := &resource{kind: kindShader, code: code}
	res.digest = shaderDigest(data)
	h := d.reg.insert(res)
	return Shader{h}, nil
}

// DestroyBuffer marks b for release.
// The backing memory is reclaimed by the Queue's
// retirement sweep once every submission referencing b
// has retired; it is never reclaimed inline.
func (d *Device) DestroyBuffer(b Buffer) error { return d.destroy(b.h, kindBuffer) }

// DestroyImage marks img for release.
func (d *Device) DestroyImage(img Image) error { return d.destroy(img.h, kindImage) }

// DestroyShader marks s for release.
// Pipelines already created from s are unaffected.
func (d *Device) DestroyShader(s Shader) error { return d.destroy(s.h, kindShader) }

func (d *Device) destroy(h handle, k kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.reg.resolve(h, k)
	if err != nil {
		return err
	}
	s.destroyed = true
	d.que.deferRelease(h)
	d.log.WithFields(logrus.Fields{
		"kind":  k.String(),
		"after": d.que.lastSubmitted,
	}).Trace("deferred release")
	return nil
}

// Bytes returns the host view of a host-visible buffer.
// The slice stays valid until b is destroyed.
// It fails with driver.ErrCannotMap for device-local
// buffers.
func (d *Device) Bytes(b Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.reg.resolve(b.h, kindBuffer)
	if err != nil {
		return nil, err
	}
	p := s.res.pool.bytes(s.res.alloc)
	if p == nil {
		return nil, driver.ErrCannotMap
	}
	return p, nil
}

// BufferCap returns the byte capacity of b.
func (d *Device) BufferCap(b Buffer) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.reg.resolve(b.h, kindBuffer)
	if err != nil {
		return 0, err
	}
	return s.res.alloc.size, nil
}

// releaseNative destroys the driver-side backing of res.
// Called with d.mu held, only from the retirement sweep
// and from Close.
func (d *Device) releaseNative(res *resource) {
	switch res.kind {
	case kindBuffer:
		res.pool.free(res.alloc)
	case kindImage:
		res.img.Destroy()
	case kindShader:
		res.code.Destroy()
	}
}

// driverErr maps driver errors to device errors,
// transitioning into the lost state on fatal failures.
// Called with d.mu held.
func (d *Device) driverErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, driver.ErrFatal):
		d.markLost()
		return ErrDeviceLost
	case errors.Is(err, driver.ErrNoDeviceMemory), errors.Is(err, driver.ErrNoHostMemory):
		return ErrNoMemory
	}
	return err
}
