// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"github.com/gviegas/hal/driver"
)

// ColorAttachment describes a color target of a render
// pass. Img must have been created with
// UsageRenderTarget.
type ColorAttachment struct {
	Img   Image
	Load  driver.LoadOp
	Store driver.StoreOp
	Clear [4]float32
}

// DepthAttachment describes the depth/stencil target of a
// render pass.
type DepthAttachment struct {
	Img        Image
	Load       driver.LoadOp
	Store      driver.StoreOp
	ClearDepth float32
}

type opKind int

const (
	opBeginPass opKind = iota
	opEndPass
	opSetPipeline
	opSetVertexBuf
	opSetIndexBuf
	opDraw
	opDrawIndexed
	opDispatch
	opCopyBuffer
	opCopyBufToImg
	opCopyImgToBuf
	opFill
	opBarrier
)

// op is a single recorded command.
// Resource references are kept as handles and resolved
// again at submission time, so a destroy between Finish
// and Submit is caught.
type op struct {
	kind   opKind
	pipe   *Pipeline
	h, h2  handle
	width  int
	height int
	color  []ColorAttachment
	ds     *DepthAttachment
	slot   int
	off    int64
	off2   int64
	size   int64
	idxFmt driver.IndexFmt
	counts [4]int
	groups [3]int
	value  byte
	stride [2]int64
	imgOff driver.Off3D
	imgExt driver.Dim3D
	layer  int
	level  int
	barr   []driver.Barrier
}

type encState int

const (
	encRecording encState = iota
	encEnded
)

// Encoder records commands into a CommandSeq.
// An Encoder is single-threaded and single-use: after
// Finish it accepts no further commands.
// Validation happens at record time. A failed command
// poisons the Encoder: the offending error is returned
// from every later call, including Finish, so call sites
// may defer error checking to the end of recording.
type Encoder struct {
	d      *Device
	state  encState
	err    error
	ops    []op
	inPass bool
	gr     *Pipeline
	cp     *Pipeline
	vbuf   map[int]bool
	ibuf   bool
	refs   map[handle]struct{}
	pipes  map[*Pipeline]struct{}
}

// NewEncoder creates a command encoder in the recording
// state.
func (d *Device) NewEncoder() *Encoder {
	return &Encoder{
		d:     d,
		vbuf:  make(map[int]bool),
		refs:  make(map[handle]struct{}),
		pipes: make(map[*Pipeline]struct{}),
	}
}

// Err returns the error that poisoned the Encoder, if
// any.
func (e *Encoder) Err() error { return e.err }

// fail poisons the Encoder.
func (e *Encoder) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return e.err
}

// begin gates every recording method.
func (e *Encoder) begin() error {
	if e.state != encRecording {
		return ErrInvalidState
	}
	return e.err
}

func (e *Encoder) ref(h handle) { e.refs[h] = struct{}{} }

// lookBuffer resolves a buffer handle and checks its
// usage mask. Caller holds no lock.
func (e *Encoder) lookBuffer(op string, b Buffer, u Usage) (*resource, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	s, err := e.d.reg.resolve(b.h, kindBuffer)
	if err != nil {
		return nil, err
	}
	if s.res.bufSpec.Usage&u != u {
		return nil, validationErr(op, "buffer lacks usage %#x", int(u))
	}
	return s.res, nil
}

func (e *Encoder) lookImage(op string, img Image, u Usage) (*resource, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	s, err := e.d.reg.resolve(img.h, kindImage)
	if err != nil {
		return nil, err
	}
	if s.res.imgSpec.Usage&u != u {
		return nil, validationErr(op, "image lacks usage %#x", int(u))
	}
	return s.res, nil
}

// BeginPass begins a render pass.
// Passes cannot nest.
func (e *Encoder) BeginPass(width, height int, color []ColorAttachment, ds *DepthAttachment) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("BeginPass", "nested render pass"))
	}
	if len(color) == 0 && ds == nil {
		return e.fail(validationErr("BeginPass", "pass with no attachments"))
	}
	if n := e.d.Limits().MaxColorTargets; len(color) > n {
		return e.fail(validationErr("BeginPass", "%d color attachments exceeds limit %d", len(color), n))
	}
	for i := range color {
		if _, err := e.lookImage("BeginPass", color[i].Img, UsageRenderTarget); err != nil {
			return e.fail(err)
		}
		e.ref(color[i].Img.h)
	}
	if ds != nil {
		if _, err := e.lookImage("BeginPass", ds.Img, UsageRenderTarget); err != nil {
			return e.fail(err)
		}
		e.ref(ds.Img.h)
	}
	e.inPass = true
	e.vbuf = make(map[int]bool)
	e.ibuf = false
	// Attachments are copied so later caller mutation
	// cannot alter the recorded command.
	var dsCopy *DepthAttachment
	if ds != nil {
		c := *ds
		dsCopy = &c
	}
	e.ops = append(e.ops, op{
		kind:   opBeginPass,
		width:  width,
		height: height,
		color:  append([]ColorAttachment(nil), color...),
		ds:     dsCopy,
	})
	return nil
}

// EndPass ends the current render pass.
func (e *Encoder) EndPass() error {
	if err := e.begin(); err != nil {
		return err
	}
	if !e.inPass {
		return e.fail(validationErr("EndPass", "no render pass to end"))
	}
	e.inPass = false
	e.gr = nil
	e.ops = append(e.ops, op{kind: opEndPass})
	return nil
}

// SetPipeline binds a pipeline.
// Graphics pipelines bind within a render pass, compute
// pipelines outside one.
func (e *Encoder) SetPipeline(p *Pipeline) error {
	if err := e.begin(); err != nil {
		return err
	}
	if p == nil {
		return e.fail(ErrInvalidHandle)
	}
	if p.graph != e.inPass {
		if p.graph {
			return e.fail(validationErr("SetPipeline", "graphics pipeline outside render pass"))
		}
		return e.fail(validationErr("SetPipeline", "compute pipeline within render pass"))
	}
	if p.graph {
		e.gr = p
		e.vbuf = make(map[int]bool)
	} else {
		e.cp = p
	}
	e.pipes[p] = struct{}{}
	e.ops = append(e.ops, op{kind: opSetPipeline, pipe: p})
	return nil
}

// SetVertexBuffer binds b to vertex input slot.
// The offset must be compatible with the bound graphics
// pipeline's input layout for that slot.
func (e *Encoder) SetVertexBuffer(slot int, b Buffer, off int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.gr == nil {
		return e.fail(validationErr("SetVertexBuffer", "no graphics pipeline bound"))
	}
	if slot < 0 || slot >= len(e.gr.input) {
		return e.fail(validationErr("SetVertexBuffer", "slot %d not in pipeline input layout", slot))
	}
	in := &e.gr.input[slot]
	res, err := e.lookBuffer("SetVertexBuffer", b, UsageVertex)
	if err != nil {
		return e.fail(err)
	}
	if off < 0 || off >= res.alloc.size {
		return e.fail(validationErr("SetVertexBuffer", "offset %d out of bounds", off))
	}
	if fsz := int64(in.Format.Size()); off%fsz != 0 {
		return e.fail(validationErr("SetVertexBuffer", "offset %d not aligned to format size %d", off, fsz))
	}
	if int64(in.Stride) > res.alloc.size-off {
		return e.fail(validationErr("SetVertexBuffer", "stride %d exceeds remaining %d bytes", in.Stride, res.alloc.size-off))
	}
	e.ref(b.h)
	e.vbuf[slot] = true
	e.ops = append(e.ops, op{kind: opSetVertexBuf, slot: slot, h: b.h, off: off})
	return nil
}

// SetIndexBuffer binds b as the index buffer.
func (e *Encoder) SetIndexBuffer(format driver.IndexFmt, b Buffer, off int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	res, err := e.lookBuffer("SetIndexBuffer", b, UsageIndex)
	if err != nil {
		return e.fail(err)
	}
	if off < 0 || off >= res.alloc.size {
		return e.fail(validationErr("SetIndexBuffer", "offset %d out of bounds", off))
	}
	if off%int64(format) != 0 {
		return e.fail(validationErr("SetIndexBuffer", "offset %d not aligned to index size %d", off, int64(format)))
	}
	e.ref(b.h)
	e.ibuf = true
	e.ops = append(e.ops, op{kind: opSetIndexBuf, idxFmt: format, h: b.h, off: off})
	return nil
}

// Draw records a non-indexed draw.
func (e *Encoder) Draw(vertCnt, instCnt, baseVert, baseInst int) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.drawState("Draw"); err != nil {
		return e.fail(err)
	}
	e.ops = append(e.ops, op{kind: opDraw, counts: [4]int{vertCnt, instCnt, baseVert, baseInst}})
	return nil
}

// DrawIndexed records an indexed draw.
func (e *Encoder) DrawIndexed(idxCnt, instCnt, idxOff, vertOff, baseInst int) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.drawState("DrawIndexed"); err != nil {
		return e.fail(err)
	}
	if !e.ibuf {
		return e.fail(validationErr("DrawIndexed", "no index buffer bound"))
	}
	e.ops = append(e.ops, op{kind: opDrawIndexed, counts: [4]int{idxCnt, instCnt, idxOff, baseInst}, slot: vertOff})
	return nil
}

func (e *Encoder) drawState(op string) error {
	if !e.inPass {
		return validationErr(op, "draw outside render pass")
	}
	if e.gr == nil {
		return validationErr(op, "no graphics pipeline bound")
	}
	for i := range e.gr.input {
		if !e.vbuf[i] {
			return validationErr(op, "vertex input slot %d has no buffer bound", i)
		}
	}
	return nil
}

// Dispatch records a compute dispatch.
func (e *Encoder) Dispatch(x, y, z int) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("Dispatch", "dispatch within render pass"))
	}
	if e.cp == nil {
		return e.fail(validationErr("Dispatch", "no compute pipeline bound"))
	}
	max := e.d.Limits().MaxDispatch
	for i, n := range [3]int{x, y, z} {
		if n < 1 || n > max[i] {
			return e.fail(validationErr("Dispatch", "group count %d out of range [1, %d]", n, max[i]))
		}
	}
	e.ops = append(e.ops, op{kind: opDispatch, groups: [3]int{x, y, z}})
	return nil
}

// CopyBuffer records a buffer to buffer copy.
func (e *Encoder) CopyBuffer(dst Buffer, dstOff int64, src Buffer, srcOff, size int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("CopyBuffer", "copy within render pass"))
	}
	if size <= 0 {
		return e.fail(validationErr("CopyBuffer", "non-positive size %d", size))
	}
	d, err := e.lookBuffer("CopyBuffer", dst, UsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	s, err := e.lookBuffer("CopyBuffer", src, UsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	if dstOff < 0 || dstOff+size > d.alloc.size {
		return e.fail(validationErr("CopyBuffer", "destination range [%d, %d) out of bounds", dstOff, dstOff+size))
	}
	if srcOff < 0 || srcOff+size > s.alloc.size {
		return e.fail(validationErr("CopyBuffer", "source range [%d, %d) out of bounds", srcOff, srcOff+size))
	}
	e.ref(dst.h)
	e.ref(src.h)
	e.ops = append(e.ops, op{kind: opCopyBuffer, h: dst.h, off: dstOff, h2: src.h, off2: srcOff, size: size})
	return nil
}

// CopyBufferToImage records a buffer to image copy.
// Stride gives the buffer's row length and image height
// in pixels; zero means tightly packed.
func (e *Encoder) CopyBufferToImage(dst Image, off driver.Off3D, layer, level int, src Buffer, srcOff int64, stride [2]int64, size driver.Dim3D) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("CopyBufferToImage", "copy within render pass"))
	}
	ires, err := e.lookImage("CopyBufferToImage", dst, UsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	bres, err := e.lookBuffer("CopyBufferToImage", src, UsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	if err := checkBufImg("CopyBufferToImage", ires, off, layer, level, bres, srcOff, &stride, size); err != nil {
		return e.fail(err)
	}
	e.ref(dst.h)
	e.ref(src.h)
	e.ops = append(e.ops, op{
		kind: opCopyBufToImg,
		h:    dst.h, imgOff: off, layer: layer, level: level,
		h2: src.h, off: srcOff, stride: stride, imgExt: size,
	})
	return nil
}

// CopyImageToBuffer records an image to buffer copy.
func (e *Encoder) CopyImageToBuffer(dst Buffer, dstOff int64, stride [2]int64, src Image, off driver.Off3D, layer, level int, size driver.Dim3D) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("CopyImageToBuffer", "copy within render pass"))
	}
	bres, err := e.lookBuffer("CopyImageToBuffer", dst, UsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	ires, err := e.lookImage("CopyImageToBuffer", src, UsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	if err := checkBufImg("CopyImageToBuffer", ires, off, layer, level, bres, dstOff, &stride, size); err != nil {
		return e.fail(err)
	}
	e.ref(dst.h)
	e.ref(src.h)
	e.ops = append(e.ops, op{
		kind: opCopyImgToBuf,
		h:    dst.h, off: dstOff, stride: stride,
		h2: src.h, imgOff: off, layer: layer, level: level, imgExt: size,
	})
	return nil
}

// checkBufImg validates the shared parameters of
// buffer/image copies. It normalizes zero strides to the
// copy extent.
func checkBufImg(opName string, img *resource, off driver.Off3D, layer, level int, buf *resource, bufOff int64, stride *[2]int64, size driver.Dim3D) error {
	if size.Width < 1 || size.Height < 1 || size.Depth < 1 {
		return validationErr(opName, "empty copy extent")
	}
	spec := &img.imgSpec
	layers := spec.Layers
	if layers == 0 {
		layers = 1
	}
	if layer < 0 || layer >= layers {
		return validationErr(opName, "layer %d out of bounds", layer)
	}
	if off.X < 0 || off.Y < 0 || off.Z < 0 ||
		off.X+size.Width > spec.Dim.Width ||
		off.Y+size.Height > max(spec.Dim.Height, 1) ||
		off.Z+size.Depth > max(spec.Dim.Depth, 1) {
		return validationErr(opName, "image region out of bounds")
	}
	if stride[0] == 0 {
		stride[0] = int64(size.Width)
	}
	if stride[1] == 0 {
		stride[1] = int64(size.Height)
	}
	if stride[0] < int64(size.Width) || stride[1] < int64(size.Height) {
		return validationErr(opName, "stride smaller than copy extent")
	}
	psz := int64(spec.Format.Size())
	need := psz * stride[0] * stride[1] * int64(size.Depth)
	if bufOff < 0 || bufOff+need > buf.alloc.size {
		return validationErr(opName, "buffer range [%d, %d) out of bounds", bufOff, bufOff+need)
	}
	return nil
}

// FillBuffer records a fill of size bytes with a repeated
// byte value. Offset and size must be multiples of 4.
func (e *Encoder) FillBuffer(b Buffer, off int64, value byte, size int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("FillBuffer", "fill within render pass"))
	}
	res, err := e.lookBuffer("FillBuffer", b, UsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	if off%4 != 0 || size%4 != 0 {
		return e.fail(validationErr("FillBuffer", "offset/size not multiples of 4"))
	}
	if size <= 0 || off < 0 || off+size > res.alloc.size {
		return e.fail(validationErr("FillBuffer", "range [%d, %d) out of bounds", off, off+size))
	}
	e.ref(b.h)
	e.ops = append(e.ops, op{kind: opFill, h: b.h, off: off, value: value, size: size})
	return nil
}

// Barrier records an execution/memory barrier.
func (e *Encoder) Barrier(b ...driver.Barrier) error {
	if err := e.begin(); err != nil {
		return err
	}
	if e.inPass {
		return e.fail(validationErr("Barrier", "barrier within render pass"))
	}
	e.ops = append(e.ops, op{kind: opBarrier, barr: append([]driver.Barrier(nil), b...)})
	return nil
}

// CommandSeq is a finished, immutable sequence of
// commands. It is consumed by Queue.Submit.
type CommandSeq struct {
	d        *Device
	ops      []op
	refs     []handle
	pipes    []*Pipeline
	consumed bool
}

// Finish ends recording and returns the command sequence.
// The Encoder accepts no further commands afterwards.
func (e *Encoder) Finish() (*CommandSeq, error) {
	if e.state != encRecording {
		return nil, ErrInvalidState
	}
	e.state = encEnded
	if e.err != nil {
		return nil, e.err
	}
	if e.inPass {
		return nil, validationErr("Finish", "unterminated render pass")
	}
	seq := &CommandSeq{
		d:     e.d,
		ops:   e.ops,
		refs:  make([]handle, 0, len(e.refs)),
		pipes: make([]*Pipeline, 0, len(e.pipes)),
	}
	for h := range e.refs {
		seq.refs = append(seq.refs, h)
	}
	for p := range e.pipes {
		seq.pipes = append(seq.pipes, p)
	}
	e.ops = nil
	return seq, nil
}
