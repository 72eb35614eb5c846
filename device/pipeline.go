// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/gviegas/hal/driver"
)

// ShaderFunc identifies an entry point within a shader
// resource.
type ShaderFunc struct {
	Shader Shader
	Name   string
}

// VertexInput describes one vertex buffer slot of a
// graphics pipeline.
type VertexInput struct {
	Format driver.VertexFmt
	Stride int
	// Nr is the input's location number.
	Nr int
}

// GraphicsState is the complete, immutable description of
// a graphics pipeline.
type GraphicsState struct {
	Vert     ShaderFunc
	Frag     ShaderFunc
	Desc     []driver.Descriptor
	Input    []VertexInput
	Topology driver.Topology
	Raster   driver.RasterState
	Samples  int
	DS       driver.DSState
	Blend    []driver.ColorBlend
	ColorFmt []driver.PixelFmt
	DSFmt    driver.PixelFmt
}

// ComputeState is the complete, immutable description of
// a compute pipeline.
type ComputeState struct {
	Func ShaderFunc
	Desc []driver.Descriptor
}

// Pipeline is a cached pipeline state object.
// Pipelines are shared: requesting the same state twice
// yields the same *Pipeline. Callers pair every
// GraphicsPipeline/ComputePipeline call with a
// ReleasePipeline call.
type Pipeline struct {
	d     *Device
	key   [32]byte
	pl    driver.Pipeline
	graph bool
	input []VertexInput
	refs  int
	// lastUse is the serial of the last submission (or
	// lookup) that touched the entry. Eviction skips
	// entries whose lastUse has not retired.
	lastUse uint64
}

// descEntry is a deduplicated descriptor layout.
type descEntry struct {
	dl   driver.DescLayout
	refs int
}

// pipeCache deduplicates pipelines and descriptor layouts
// by content hash.
// Guarded by Device.mu.
type pipeCache struct {
	d       *Device
	entries map[[32]byte]*Pipeline
	descs   map[[32]byte]*descEntry
	// descKeys maps a pipeline key to the key of the
	// descriptor layout it holds a reference on.
	descKeys map[[32]byte][32]byte
	budget   int
}

func newPipeCache(d *Device, budget int) *pipeCache {
	return &pipeCache{
		d:        d,
		entries:  make(map[[32]byte]*Pipeline),
		descs:    make(map[[32]byte]*descEntry),
		descKeys: make(map[[32]byte][32]byte),
		budget:   budget,
	}
}

// shaderDigest is the identity of shader code for cache
// keying purposes.
func shaderDigest(data []byte) [32]byte { return sha256.Sum256(data) }

// hashWriter serializes pipeline state into a hash with
// unambiguous framing. Every field is written at a fixed
// width and variable-length sequences are preceded by
// their count, so distinct states cannot collide by
// concatenation.
type hashWriter struct{ h hash.Hash }

func (w hashWriter) i64(v int64)    { binary.Write(w.h, binary.LittleEndian, v) }
func (w hashWriter) u32(v uint32)   { binary.Write(w.h, binary.LittleEndian, v) }
func (w hashWriter) b32(v [32]byte) { w.h.Write(v[:]) }

func (w hashWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.h.Write([]byte(s))
}

func (w hashWriter) boolean(v bool) {
	var b byte
	if v {
		b = 1
	}
	w.h.Write([]byte{b})
}

func (w hashWriter) desc(ds []driver.Descriptor) {
	w.u32(uint32(len(ds)))
	for i := range ds {
		w.u32(uint32(ds[i].Type))
		w.u32(uint32(ds[i].Stages))
		w.u32(uint32(ds[i].Nr))
		w.u32(uint32(ds[i].Len))
	}
}

// hashGraph computes the cache key of a graphics state.
// Shader handles contribute their content digest, not
// their handle value, so recreated shaders with identical
// code hit the same entry.
func (d *Device) hashGraph(gs *GraphicsState) ([32]byte, error) {
	w := hashWriter{sha256.New()}
	w.u32(0x47524150)
	for _, f := range [2]ShaderFunc{gs.Vert, gs.Frag} {
		s, err := d.reg.resolve(f.Shader.h, kindShader)
		if err != nil {
			return [32]byte{}, err
		}
		w.b32(s.res.digest)
		w.str(f.Name)
	}
	w.desc(gs.Desc)
	w.u32(uint32(len(gs.Input)))
	for i := range gs.Input {
		w.u32(uint32(gs.Input[i].Format))
		w.i64(int64(gs.Input[i].Stride))
		w.u32(uint32(gs.Input[i].Nr))
	}
	w.u32(uint32(gs.Topology))
	w.boolean(gs.Raster.Clockwise)
	w.u32(uint32(gs.Raster.Cull))
	w.u32(uint32(gs.Samples))
	w.boolean(gs.DS.DepthTest)
	w.boolean(gs.DS.DepthWrite)
	w.u32(uint32(gs.DS.DepthCmp))
	w.u32(uint32(len(gs.Blend)))
	for i := range gs.Blend {
		b := &gs.Blend[i]
		w.boolean(b.Blend)
		w.u32(uint32(b.Op[0]))
		w.u32(uint32(b.Op[1]))
		w.u32(uint32(b.SrcFac[0]))
		w.u32(uint32(b.SrcFac[1]))
		w.u32(uint32(b.DstFac[0]))
		w.u32(uint32(b.DstFac[1]))
	}
	w.u32(uint32(len(gs.ColorFmt)))
	for _, f := range gs.ColorFmt {
		w.u32(uint32(f))
	}
	w.u32(uint32(gs.DSFmt))
	var key [32]byte
	w.h.Sum(key[:0])
	return key, nil
}

// hashComp computes the cache key of a compute state.
func (d *Device) hashComp(cs *ComputeState) ([32]byte, error) {
	w := hashWriter{sha256.New()}
	w.u32(0x434f4d50)
	s, err := d.reg.resolve(cs.Func.Shader.h, kindShader)
	if err != nil {
		return [32]byte{}, err
	}
	w.b32(s.res.digest)
	w.str(cs.Func.Name)
	w.desc(cs.Desc)
	var key [32]byte
	w.h.Sum(key[:0])
	return key, nil
}

func hashDesc(ds []driver.Descriptor) [32]byte {
	w := hashWriter{sha256.New()}
	w.desc(ds)
	var key [32]byte
	w.h.Sum(key[:0])
	return key
}

// GraphicsPipeline returns the cached pipeline for gs,
// creating it on a miss.
func (d *Device) GraphicsPipeline(gs *GraphicsState) (*Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, ErrDeviceLost
	}
	key, err := d.hashGraph(gs)
	if err != nil {
		return nil, err
	}
	if p, ok := d.cache.entries[key]; ok {
		p.refs++
		p.lastUse = d.que.lastSubmitted
		return p, nil
	}
	vert, err := d.reg.resolve(gs.Vert.Shader.h, kindShader)
	if err != nil {
		return nil, err
	}
	frag, err := d.reg.resolve(gs.Frag.Shader.h, kindShader)
	if err != nil {
		return nil, err
	}
	dl, dkey, err := d.cache.descLayout(gs.Desc)
	if err != nil {
		return nil, d.driverErr(err)
	}
	state := driver.GraphState{
		VertFunc: driver.ShaderFunc{Code: vert.res.code, Name: gs.Vert.Name},
		FragFunc: driver.ShaderFunc{Code: frag.res.code, Name: gs.Frag.Name},
		Desc:     dl,
		Input:    inputToDriver(gs.Input),
		Topology: gs.Topology,
		Raster:   gs.Raster,
		Samples:  gs.Samples,
		DS:       gs.DS,
		Blend:    gs.Blend,
		ColorFmt: gs.ColorFmt,
		DSFmt:    gs.DSFmt,
	}
	pl, err := d.gpu.NewPipeline(&state)
	if err != nil {
		d.cache.releaseDesc(dkey)
		return nil, d.driverErr(err)
	}
	p := &Pipeline{
		d:       d,
		key:     key,
		pl:      pl,
		graph:   true,
		input:   append([]VertexInput(nil), gs.Input...),
		refs:    1,
		lastUse: d.que.lastSubmitted,
	}
	d.cache.entries[key] = p
	d.cache.descKeys[key] = dkey
	return p, nil
}

// ComputePipeline returns the cached pipeline for cs,
// creating it on a miss.
func (d *Device) ComputePipeline(cs *ComputeState) (*Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, ErrDeviceLost
	}
	key, err := d.hashComp(cs)
	if err != nil {
		return nil, err
	}
	if p, ok := d.cache.entries[key]; ok {
		p.refs++
		p.lastUse = d.que.lastSubmitted
		return p, nil
	}
	fn, err := d.reg.resolve(cs.Func.Shader.h, kindShader)
	if err != nil {
		return nil, err
	}
	dl, dkey, err := d.cache.descLayout(cs.Desc)
	if err != nil {
		return nil, d.driverErr(err)
	}
	state := driver.CompState{
		Func: driver.ShaderFunc{Code: fn.res.code, Name: cs.Func.Name},
		Desc: dl,
	}
	pl, err := d.gpu.NewPipeline(&state)
	if err != nil {
		d.cache.releaseDesc(dkey)
		return nil, d.driverErr(err)
	}
	p := &Pipeline{
		d:       d,
		key:     key,
		pl:      pl,
		refs:    1,
		lastUse: d.que.lastSubmitted,
	}
	d.cache.entries[key] = p
	d.cache.descKeys[key] = dkey
	return p, nil
}

// ReleasePipeline drops one reference to p.
// Unreferenced entries stay cached until the budget
// forces them out.
func (d *Device) ReleasePipeline(p *Pipeline) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == nil || d.cache.entries[p.key] != p {
		return ErrInvalidHandle
	}
	if p.refs <= 0 {
		return validationErr("ReleasePipeline", "release of unreferenced pipeline")
	}
	p.refs--
	return nil
}

// descLayout returns a deduplicated descriptor layout for
// ds, creating it on a miss.
func (c *pipeCache) descLayout(ds []driver.Descriptor) (driver.DescLayout, [32]byte, error) {
	key := hashDesc(ds)
	if e, ok := c.descs[key]; ok {
		e.refs++
		return e.dl, key, nil
	}
	dl, err := c.d.gpu.NewDescLayout(ds)
	if err != nil {
		return nil, key, err
	}
	c.descs[key] = &descEntry{dl: dl, refs: 1}
	return dl, key, nil
}

func (c *pipeCache) releaseDesc(key [32]byte) {
	e := c.descs[key]
	if e == nil {
		return
	}
	if e.refs--; e.refs == 0 {
		e.dl.Destroy()
		delete(c.descs, key)
	}
}

// evict enforces the budget.
// Only entries that are unreferenced and whose last use
// has retired are eligible. Called with Device.mu held,
// from the retirement sweep.
func (c *pipeCache) evict(completed uint64) {
	for len(c.entries) > c.budget {
		var victim *Pipeline
		for _, p := range c.entries {
			if p.refs > 0 || p.lastUse > completed {
				continue
			}
			if victim == nil || p.lastUse < victim.lastUse {
				victim = p
			}
		}
		if victim == nil {
			return
		}
		c.remove(victim)
	}
}

func (c *pipeCache) remove(p *Pipeline) {
	p.pl.Destroy()
	c.releaseDesc(c.descKeys[p.key])
	delete(c.descKeys, p.key)
	delete(c.entries, p.key)
	c.d.log.WithField("entries", len(c.entries)).Trace("pipeline evicted")
}

// drop destroys every cached pipeline unconditionally.
// Only called from Device.Close.
func (c *pipeCache) drop() {
	for _, p := range c.entries {
		p.pl.Destroy()
	}
	for _, e := range c.descs {
		e.dl.Destroy()
	}
	c.entries = make(map[[32]byte]*Pipeline)
	c.descs = make(map[[32]byte]*descEntry)
	c.descKeys = make(map[[32]byte][32]byte)
}

func inputToDriver(in []VertexInput) []driver.VertexIn {
	di := make([]driver.VertexIn, len(in))
	for i := range in {
		di[i] = driver.VertexIn{
			Format: in[i].Format,
			Stride: in[i].Stride,
			Nr:     in[i].Nr,
		}
	}
	return di
}
