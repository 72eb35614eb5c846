// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package null implements driver interfaces entirely in
// host memory, without acceleration.
// It is meant for headless use and for tests that need
// deterministic control over execution timing: in manual
// mode, committed work does not complete until Retire is
// called.
package null

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gviegas/hal/driver"
)

const driverName = "null"

// Driver implements driver.Driver and driver.GPU.
type Driver struct {
	mu      sync.Mutex
	open    bool
	manual  bool
	pending []*commit
	failErr error
	stats   Stats
	lim     driver.Limits

	// commitMu serializes execution and completion
	// delivery so commits complete in commit order.
	commitMu sync.Mutex
}

// commit is a committed batch awaiting retirement.
type commit struct {
	wk *driver.WorkItem
	ch chan<- *driver.WorkItem
}

// Stats exposes resource bookkeeping counters.
// It is mainly useful for testing resource lifetime
// management in client code.
type Stats struct {
	BufsLive      int
	BufsDestroyed int
	ImgsLive      int
	ImgsDestroyed int
	Commits       int
	Retired       int
}

func init() { driver.Register(&Driver{}) }

// Open initializes the driver.
func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		d.open = true
		d.lim = driver.Limits{
			MaxImage2D:      16384,
			MaxLayers:       2048,
			MaxColorTargets: 8,
			MaxVertexIn:     16,
			MaxDispatch:     [3]int{65535, 65535, 65535},
			MaxConstRange:   65536,
		}
		logrus.WithField("driver", driverName).Debug("null driver opened")
	}
	return d, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return driverName }

// Close deinitializes the driver.
// Any work still pending is retired first.
func (d *Driver) Close() {
	d.RetireAll()
	d.mu.Lock()
	d.open = false
	d.pending = nil
	d.stats = Stats{}
	d.mu.Unlock()
}

// SetManual sets the completion mode.
// In manual mode, Commit parks work until Retire or
// RetireAll is called. In the default automatic mode,
// work completes during the Commit call itself.
func (d *Driver) SetManual(manual bool) {
	d.mu.Lock()
	d.manual = manual
	d.mu.Unlock()
}

// FailNext makes the next retirement complete with err
// instead of executing its commands.
// Passing driver.ErrFatal simulates a lost device.
func (d *Driver) FailNext(err error) {
	d.mu.Lock()
	d.failErr = err
	d.mu.Unlock()
}

// Pending returns the number of commits awaiting
// retirement.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Retire executes and completes up to n pending commits,
// in commit order. It returns the number of commits
// retired.
func (d *Driver) Retire(n int) int {
	var done int
	for done < n {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			break
		}
		c := d.pending[0]
		d.pending = d.pending[1:]
		err := d.failErr
		d.failErr = nil
		d.stats.Retired++
		d.mu.Unlock()
		d.commitMu.Lock()
		d.finish(c, err)
		d.commitMu.Unlock()
		done++
	}
	return done
}

// RetireAll retires every pending commit.
func (d *Driver) RetireAll() {
	for d.Retire(1) == 1 {
	}
}

// Stats returns a snapshot of the bookkeeping counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// finish executes c's command buffers and delivers the
// completed WorkItem.
func (d *Driver) finish(c *commit, err error) {
	if err == nil {
		for _, w := range c.wk.Work {
			cb := w.(*cmdBuffer)
			if err = cb.execute(); err != nil {
				break
			}
		}
	}
	for _, w := range c.wk.Work {
		w.(*cmdBuffer).executed()
	}
	c.wk.Err = err
	c.ch <- c.wk
}

// Driver returns the Driver that owns the GPU.
func (d *Driver) Driver() driver.Driver { return d }

// Commit commits a batch of command buffers for execution.
func (d *Driver) Commit(wk *driver.WorkItem, ch chan<- *driver.WorkItem) error {
	for _, w := range wk.Work {
		cb, ok := w.(*cmdBuffer)
		if !ok || cb.d != d {
			return errors.New("null: foreign command buffer in commit")
		}
		if !cb.ended {
			return errors.New("null: command buffer not ended")
		}
	}
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return driver.ErrFatal
	}
	d.stats.Commits++
	c := &commit{wk, ch}
	if d.manual {
		d.pending = append(d.pending, c)
		d.mu.Unlock()
		return nil
	}
	err := d.failErr
	d.failErr = nil
	d.stats.Retired++
	d.mu.Unlock()
	d.commitMu.Lock()
	go func() {
		defer d.commitMu.Unlock()
		d.finish(c, err)
	}()
	return nil
}

// NewBuffer creates a new buffer.
func (d *Driver) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	if size <= 0 {
		return nil, errors.New("null: invalid buffer size")
	}
	d.mu.Lock()
	d.stats.BufsLive++
	d.mu.Unlock()
	return &buffer{
		d:       d,
		data:    make([]byte, size),
		visible: visible,
		usg:     usg,
	}, nil
}

// NewImage creates a new image.
func (d *Driver) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	if pf.Size() == 0 {
		return nil, errors.New("null: invalid pixel format")
	}
	if size.Width < 1 || size.Height < 1 || size.Depth < 1 || layers < 1 || levels < 1 || samples < 1 {
		return nil, errors.New("null: invalid image parameters")
	}
	if size.Width > d.lim.MaxImage2D || size.Height > d.lim.MaxImage2D {
		return nil, errors.New("null: image dimensions exceed limits")
	}
	n := int64(pf.Size()) * int64(size.Width) * int64(size.Height) * int64(size.Depth) * int64(layers)
	d.mu.Lock()
	d.stats.ImgsLive++
	d.mu.Unlock()
	return &image{
		d:      d,
		data:   make([]byte, n),
		pf:     pf,
		size:   size,
		layers: layers,
		levels: levels,
		usg:    usg,
	}, nil
}

// NewShaderCode creates a new shader code.
func (d *Driver) NewShaderCode(data []byte) (driver.ShaderCode, error) {
	if len(data) == 0 {
		return nil, errors.New("null: empty shader blob")
	}
	code := make([]byte, len(data))
	copy(code, data)
	return &shaderCode{d: d, data: code}, nil
}

// NewDescLayout creates a new descriptor layout.
func (d *Driver) NewDescLayout(ds []driver.Descriptor) (driver.DescLayout, error) {
	layout := make([]driver.Descriptor, len(ds))
	copy(layout, ds)
	return &descLayout{d: d, ds: layout}, nil
}

// NewPipeline creates a new pipeline.
func (d *Driver) NewPipeline(state any) (driver.Pipeline, error) {
	switch s := state.(type) {
	case *driver.GraphState:
		if s.VertFunc.Code == nil {
			return nil, errors.New("null: graphics state without vertex function")
		}
		return &pipeline{d: d, graph: s.Input}, nil
	case *driver.CompState:
		if s.Func.Code == nil {
			return nil, errors.New("null: compute state without function")
		}
		return &pipeline{d: d, comp: true}, nil
	}
	return nil, errors.New("null: state is neither *GraphState nor *CompState")
}

// Limits returns the implementation limits.
func (d *Driver) Limits() driver.Limits { return d.lim }

// buffer implements driver.Buffer.
type buffer struct {
	d         *Driver
	data      []byte
	visible   bool
	usg       driver.Usage
	destroyed bool
}

func (b *buffer) Visible() bool { return b.visible }

func (b *buffer) Cap() int64 { return int64(len(b.data)) }

func (b *buffer) Bytes() []byte {
	if !b.visible {
		return nil
	}
	return b.data
}

func (b *buffer) Destroy() {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if b.destroyed {
		panic("null: buffer destroyed twice")
	}
	b.destroyed = true
	b.d.stats.BufsLive--
	b.d.stats.BufsDestroyed++
}

// image implements driver.Image.
type image struct {
	d         *Driver
	data      []byte
	pf        driver.PixelFmt
	size      driver.Dim3D
	layers    int
	levels    int
	usg       driver.Usage
	destroyed bool
}

func (m *image) Destroy() {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.destroyed {
		panic("null: image destroyed twice")
	}
	m.destroyed = true
	m.d.stats.ImgsLive--
	m.d.stats.ImgsDestroyed++
}

// shaderCode implements driver.ShaderCode.
type shaderCode struct {
	d    *Driver
	data []byte
}

func (*shaderCode) Destroy() {}

// descLayout implements driver.DescLayout.
type descLayout struct {
	d  *Driver
	ds []driver.Descriptor
}

func (*descLayout) Destroy() {}

// pipeline implements driver.Pipeline.
type pipeline struct {
	d     *Driver
	graph []driver.VertexIn
	comp  bool
}

func (*pipeline) Destroy() {}
