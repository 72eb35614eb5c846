// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package webgpu implements the driver interfaces on top
// of the gogpu framework, which dispatches to either the
// wgpu-native or the pure Go WebGPU implementation.
//
// The gpu.Backend interface exposes resource creation and
// queue writes but not command encoding, SPIR-V shader
// modules, or readback. Operations that need those paths
// fail with ErrNotImplemented.
package webgpu

import (
	"errors"
	"sync"

	"github.com/gogpu/gogpu/gpu"
	"github.com/gogpu/gogpu/gpu/types"
	"github.com/sirupsen/logrus"

	"github.com/gviegas/hal/driver"
)

// ErrNotImplemented is returned by operations that the
// underlying gpu.Backend interface does not expose yet.
var ErrNotImplemented = errors.New("webgpu: not implemented by gpu.Backend")

const driverName = "webgpu"

// Driver implements driver.Driver and driver.GPU.
type Driver struct {
	mu       sync.Mutex
	backend  gpu.Backend
	instance types.Instance
	adapter  types.Adapter
	dev      types.Device
	queue    types.Queue
	open     bool
	// commitMu serializes completion delivery so work
	// items complete in commit order.
	commitMu sync.Mutex
	log      *logrus.Entry
}

func init() { driver.Register(&Driver{}) }

// Open initializes the gogpu backend and acquires an
// adapter, device and queue.
func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return d, nil
	}
	d.log = logrus.WithField("driver", driverName)
	backend := gpu.GetBackend()
	if backend == nil {
		if err := gpu.InitDefaultBackend(); err != nil {
			return nil, driver.ErrNotInstalled
		}
		backend = gpu.GetBackend()
	}
	if backend == nil {
		return nil, driver.ErrNotInstalled
	}
	instance, err := backend.CreateInstance()
	if err != nil {
		return nil, driver.ErrNotInstalled
	}
	adapter, err := backend.RequestAdapter(instance, &types.AdapterOptions{
		PowerPreference: types.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, driver.ErrNoDevice
	}
	dev, err := backend.RequestDevice(adapter, &types.DeviceOptions{
		Label: "hal-device",
	})
	if err != nil {
		return nil, driver.ErrNoDevice
	}
	d.backend = backend
	d.instance = instance
	d.adapter = adapter
	d.dev = dev
	d.queue = backend.GetQueue(dev)
	d.open = true
	d.log.WithField("backend", backend.Name()).Debug("opened")
	return d, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return driverName }

// Close invalidates the device handles.
// Resources are managed by the gogpu backend and released
// with it.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return
	}
	d.dev = 0
	d.adapter = 0
	d.instance = 0
	d.queue = 0
	d.backend = nil
	d.open = false
	d.log.Debug("closed")
}

// Driver returns d itself.
func (d *Driver) Driver() driver.Driver { return d }

// Commit executes the given work.
// Buffer writes flow through the gogpu queue, which
// completes them before returning, so the work item is
// delivered as soon as every command has executed.
// Work items committed in order complete in order.
func (d *Driver) Commit(wk *driver.WorkItem, ch chan<- *driver.WorkItem) error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return driver.ErrFatal
	}
	cbs := make([]*cmdBuffer, len(wk.Work))
	for i, x := range wk.Work {
		cb, ok := x.(*cmdBuffer)
		if !ok || cb.d != d {
			d.mu.Unlock()
			return errors.New("webgpu: foreign command buffer in commit")
		}
		if cb.recording || !cb.ended {
			d.mu.Unlock()
			return errors.New("webgpu: commit of unfinished command buffer")
		}
		cbs[i] = cb
	}
	d.mu.Unlock()
	d.commitMu.Lock()
	go func() {
		defer d.commitMu.Unlock()
		for _, cb := range cbs {
			if err := cb.execute(); err != nil {
				wk.Err = err
				break
			}
		}
		ch <- wk
	}()
	return nil
}

// NewCmdBuffer creates a command buffer.
func (d *Driver) NewCmdBuffer() (driver.CmdBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, driver.ErrFatal
	}
	return &cmdBuffer{d: d}, nil
}

// usageToBuffer converts a driver usage mask.
// CopyDst is always included because uploads go through
// queue writes.
func usageToBuffer(usg driver.Usage) types.BufferUsage {
	u := types.BufferUsageCopyDst
	if usg&driver.UVertexData != 0 {
		u |= types.BufferUsageVertex
	}
	if usg&driver.UIndexData != 0 {
		u |= types.BufferUsageIndex
	}
	if usg&driver.UConstData != 0 {
		u |= types.BufferUsageUniform
	}
	if usg&driver.UStorage != 0 {
		u |= types.BufferUsageStorage
	}
	if usg&driver.UCopySrc != 0 {
		u |= types.BufferUsageCopySrc
	}
	return u
}

// NewBuffer creates a buffer.
// Every buffer keeps a host shadow which is the source of
// truth for visible data; device copies are refreshed
// through queue writes at execution time.
func (d *Driver) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, driver.ErrFatal
	}
	if size <= 0 {
		return nil, errors.New("webgpu: non-positive buffer size")
	}
	b, err := d.backend.CreateBuffer(d.dev, &types.BufferDescriptor{
		Label: "hal-buffer",
		Size:  uint64(size),
		Usage: usageToBuffer(usg),
	})
	if err != nil {
		return nil, driver.ErrNoDeviceMemory
	}
	return &buffer{
		d:       d,
		b:       b,
		shadow:  make([]byte, size),
		visible: visible,
	}, nil
}

// pixelToFormat converts a driver pixel format.
// Only the formats the gogpu backend advertises are
// accepted.
func pixelToFormat(pf driver.PixelFmt) (types.TextureFormat, error) {
	switch pf {
	case driver.RGBA8un:
		return types.TextureFormatRGBA8Unorm, nil
	case driver.BGRA8un:
		return types.TextureFormatBGRA8Unorm, nil
	}
	return 0, errors.New("webgpu: unsupported pixel format")
}

// NewImage creates an image.
func (d *Driver) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, driver.ErrFatal
	}
	format, err := pixelToFormat(pf)
	if err != nil {
		return nil, err
	}
	if size.Width < 1 || size.Height < 1 {
		return nil, errors.New("webgpu: invalid image size")
	}
	if size.Depth > 1 && layers > 1 {
		return nil, errors.New("webgpu: 3D image cannot have layers")
	}
	depthOrLayers := max(size.Depth, 1)
	if layers > 1 {
		depthOrLayers = layers
	}
	tu := types.TextureUsageCopySrc | types.TextureUsageCopyDst
	if usg&driver.UShaderSample != 0 {
		tu |= types.TextureUsageTextureBinding
	}
	if usg&driver.UStorage != 0 {
		tu |= types.TextureUsageStorageBinding
	}
	if usg&driver.URenderTarget != 0 {
		tu |= types.TextureUsageRenderAttachment
	}
	t, err := d.backend.CreateTexture(d.dev, &types.TextureDescriptor{
		Label: "hal-image",
		Size: types.Extent3D{
			Width:              uint32(size.Width),
			Height:             uint32(size.Height),
			DepthOrArrayLayers: uint32(depthOrLayers),
		},
		MipLevelCount: uint32(max(levels, 1)),
		SampleCount:   uint32(max(samples, 1)),
		Dimension:     types.TextureDimension2D,
		Format:        format,
		Usage:         tu,
	})
	if err != nil {
		return nil, driver.ErrNoDeviceMemory
	}
	return &image{d: d, t: t, pf: pf, size: size}, nil
}

// NewShaderCode stores a shader blob.
// The gpu.Backend interface has no SPIR-V module path, so
// the code is validated for emptiness only and pipeline
// creation reports the limitation instead.
func (d *Driver) NewShaderCode(data []byte) (driver.ShaderCode, error) {
	if len(data) == 0 {
		return nil, errors.New("webgpu: empty shader code")
	}
	blob := make([]byte, len(data))
	copy(blob, data)
	return &shaderCode{data: blob}, nil
}

// descToEntries converts driver descriptors to bind group
// layout entries.
func descToEntries(ds []driver.Descriptor) ([]types.BindGroupLayoutEntry, error) {
	entries := make([]types.BindGroupLayoutEntry, len(ds))
	for i := range ds {
		e := types.BindGroupLayoutEntry{
			Binding:    uint32(ds[i].Nr),
			Visibility: stageToVisibility(ds[i].Stages),
		}
		switch ds[i].Type {
		case driver.DConstant:
			e.Buffer = &types.BufferBindingLayout{Type: types.BufferBindingTypeUniform}
		case driver.DBuffer:
			e.Buffer = &types.BufferBindingLayout{Type: types.BufferBindingTypeStorage}
		case driver.DTexture, driver.DSampler:
			// Texture/sampler binding layouts are not
			// representable through gpu/types yet.
			return nil, ErrNotImplemented
		default:
			return nil, errors.New("webgpu: invalid descriptor type")
		}
		entries[i] = e
	}
	return entries, nil
}

func stageToVisibility(s driver.Stage) types.ShaderStage {
	var v types.ShaderStage
	if s&driver.SVertex != 0 {
		v |= types.ShaderStageVertex
	}
	if s&driver.SFragment != 0 {
		v |= types.ShaderStageFragment
	}
	if s&driver.SCompute != 0 {
		v |= types.ShaderStageCompute
	}
	return v
}

// NewDescLayout creates a descriptor layout.
func (d *Driver) NewDescLayout(ds []driver.Descriptor) (driver.DescLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, driver.ErrFatal
	}
	entries, err := descToEntries(ds)
	if err != nil {
		return nil, err
	}
	bgl, err := d.backend.CreateBindGroupLayout(d.dev, &types.BindGroupLayoutDescriptor{
		Label:   "hal-desc-layout",
		Entries: entries,
	})
	if err != nil {
		return nil, err
	}
	pl, err := d.backend.CreatePipelineLayout(d.dev, &types.PipelineLayoutDescriptor{
		Label:            "hal-pipeline-layout",
		BindGroupLayouts: []types.BindGroupLayout{bgl},
	})
	if err != nil {
		d.backend.ReleaseBindGroupLayout(bgl)
		return nil, err
	}
	return &descLayout{d: d, bgl: bgl, pl: pl}, nil
}

// NewPipeline fails with ErrNotImplemented.
// The gpu.Backend interface does not expose SPIR-V shader
// modules or pipeline creation.
func (d *Driver) NewPipeline(state any) (driver.Pipeline, error) {
	switch state.(type) {
	case *driver.GraphState, *driver.CompState:
		return nil, ErrNotImplemented
	}
	return nil, errors.New("webgpu: invalid pipeline state")
}

// Limits returns the implementation limits.
// The gpu.Backend interface does not expose adapter
// limits; these match the defaults the framework assumes.
func (d *Driver) Limits() driver.Limits {
	return driver.Limits{
		MaxImage2D:      8192,
		MaxLayers:       256,
		MaxColorTargets: 8,
		MaxVertexIn:     16,
		MaxDispatch:     [3]int{256, 256, 64},
		MaxConstRange:   64 << 10,
	}
}

// buffer implements driver.Buffer.
type buffer struct {
	d       *Driver
	b       types.Buffer
	shadow  []byte
	visible bool
	mu      sync.Mutex
	dirty   bool
}

func (b *buffer) Visible() bool { return b.visible }

// Bytes returns the host shadow of the buffer.
// Changes are flushed to the device copy when a work item
// touching the buffer executes.
func (b *buffer) Bytes() []byte {
	if !b.visible {
		return nil
	}
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
	return b.shadow
}

func (b *buffer) Cap() int64 { return int64(len(b.shadow)) }

func (b *buffer) Destroy() {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if b.d.open {
		b.d.backend.ReleaseBuffer(b.b)
	}
	b.shadow = nil
}

// flush uploads the shadow to the device copy.
// Called during work item execution.
func (b *buffer) flush() {
	b.mu.Lock()
	dirty := b.dirty
	b.dirty = false
	b.mu.Unlock()
	if !dirty {
		return
	}
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if b.d.open {
		b.d.backend.WriteBuffer(b.d.queue, b.b, 0, b.shadow)
	}
}

// image implements driver.Image.
type image struct {
	d    *Driver
	t    types.Texture
	pf   driver.PixelFmt
	size driver.Dim3D
}

func (im *image) Destroy() {
	im.d.mu.Lock()
	defer im.d.mu.Unlock()
	if im.d.open {
		im.d.backend.ReleaseTexture(im.t)
	}
}

// shaderCode implements driver.ShaderCode.
type shaderCode struct{ data []byte }

func (s *shaderCode) Destroy() { s.data = nil }

// descLayout implements driver.DescLayout.
type descLayout struct {
	d   *Driver
	bgl types.BindGroupLayout
	pl  types.PipelineLayout
}

func (dl *descLayout) Destroy() {
	dl.d.mu.Lock()
	defer dl.d.mu.Unlock()
	if dl.d.open {
		dl.d.backend.ReleasePipelineLayout(dl.pl)
		dl.d.backend.ReleaseBindGroupLayout(dl.bgl)
	}
}
