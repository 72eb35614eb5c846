// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package webgpu

import (
	"errors"

	"github.com/gogpu/gogpu/gpu/types"

	"github.com/gviegas/hal/driver"
)

// cmdBuffer implements driver.CmdBuffer.
// Commands are recorded as closures and executed when the
// work item they belong to is committed. Copy and fill
// commands operate on buffer shadows and re-upload the
// results through queue writes; commands that need device
// side encoding fail at execution time with
// ErrNotImplemented.
type cmdBuffer struct {
	d         *Driver
	recording bool
	ended     bool
	inPass    bool
	ops       []func() error
}

var errCmdState = errors.New("webgpu: invalid command buffer state")

func (cb *cmdBuffer) Begin() error {
	if cb.recording || cb.ended {
		return errCmdState
	}
	cb.recording = true
	return nil
}

func (cb *cmdBuffer) IsRecording() bool { return cb.recording }

func (cb *cmdBuffer) End() error {
	if !cb.recording || cb.inPass {
		cb.recording = false
		cb.inPass = false
		cb.ops = nil
		return errCmdState
	}
	cb.recording = false
	cb.ended = true
	return nil
}

func (cb *cmdBuffer) Reset() error {
	cb.recording = false
	cb.ended = false
	cb.inPass = false
	cb.ops = nil
	return nil
}

func (cb *cmdBuffer) Destroy() { cb.ops = nil }

// execute runs the recorded commands.
func (cb *cmdBuffer) execute() error {
	for _, op := range cb.ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

// unsupported records an op that reports the missing
// gpu.Backend capability at execution time.
func (cb *cmdBuffer) unsupported() {
	cb.ops = append(cb.ops, func() error { return ErrNotImplemented })
}

func (cb *cmdBuffer) BeginPass(width, height int, color []driver.ColorTarget, ds *driver.DSTarget) {
	cb.inPass = true
	cb.unsupported()
}

func (cb *cmdBuffer) EndPass() {
	cb.inPass = false
}

func (cb *cmdBuffer) SetPipeline(pl driver.Pipeline) { cb.unsupported() }

func (cb *cmdBuffer) SetVertexBuf(start int, buf []driver.Buffer, off []int64) {}

func (cb *cmdBuffer) SetIndexBuf(format driver.IndexFmt, buf driver.Buffer, off int64) {}

func (cb *cmdBuffer) Draw(vertCount, instCount, baseVert, baseInst int) { cb.unsupported() }

func (cb *cmdBuffer) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {
	cb.unsupported()
}

func (cb *cmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) { cb.unsupported() }

func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	p := *param
	cb.ops = append(cb.ops, func() error {
		src, ok := p.From.(*buffer)
		if !ok {
			return errors.New("webgpu: foreign source buffer")
		}
		dst, ok := p.To.(*buffer)
		if !ok {
			return errors.New("webgpu: foreign destination buffer")
		}
		if p.FromOff < 0 || p.FromOff+p.Size > int64(len(src.shadow)) ||
			p.ToOff < 0 || p.ToOff+p.Size > int64(len(dst.shadow)) {
			return errors.New("webgpu: copy out of bounds")
		}
		src.flush()
		copy(dst.shadow[p.ToOff:p.ToOff+p.Size], src.shadow[p.FromOff:])
		dst.d.mu.Lock()
		defer dst.d.mu.Unlock()
		if dst.d.open {
			dst.d.backend.WriteBuffer(dst.d.queue, dst.b, uint64(p.ToOff), dst.shadow[p.ToOff:p.ToOff+p.Size])
		}
		return nil
	})
}

func (cb *cmdBuffer) CopyBufToImg(param *driver.BufImgCopy) {
	p := *param
	cb.ops = append(cb.ops, func() error {
		src, ok := p.Buf.(*buffer)
		if !ok {
			return errors.New("webgpu: foreign source buffer")
		}
		dst, ok := p.Img.(*image)
		if !ok {
			return errors.New("webgpu: foreign destination image")
		}
		psz := int64(dst.pf.Size())
		need := p.BufOff + psz*p.Stride[0]*p.Stride[1]*int64(p.Size.Depth)
		if p.BufOff < 0 || need > int64(len(src.shadow)) {
			return errors.New("webgpu: copy out of bounds")
		}
		src.flush()
		d := dst.d
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.open {
			return driver.ErrFatal
		}
		d.backend.WriteTexture(d.queue,
			&types.ImageCopyTexture{
				Texture:  dst.t,
				MipLevel: uint32(p.Level),
				Origin: types.Origin3D{
					X: uint32(p.ImgOff.X),
					Y: uint32(p.ImgOff.Y),
					Z: uint32(max(p.ImgOff.Z, p.Layer)),
				},
				Aspect: types.TextureAspectAll,
			},
			src.shadow[p.BufOff:need],
			&types.ImageDataLayout{
				Offset:       0,
				BytesPerRow:  uint32(psz * p.Stride[0]),
				RowsPerImage: uint32(p.Stride[1]),
			},
			&types.Extent3D{
				Width:              uint32(p.Size.Width),
				Height:             uint32(p.Size.Height),
				DepthOrArrayLayers: uint32(max(p.Size.Depth, 1)),
			})
		return nil
	})
}

// CopyImgToBuf needs texture readback, which gpu.Backend
// does not expose.
func (cb *cmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) { cb.unsupported() }

func (cb *cmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	cb.ops = append(cb.ops, func() error {
		dst, ok := buf.(*buffer)
		if !ok {
			return errors.New("webgpu: foreign buffer")
		}
		if off < 0 || off+size > int64(len(dst.shadow)) {
			return errors.New("webgpu: fill out of bounds")
		}
		s := dst.shadow[off : off+size]
		for i := range s {
			s[i] = value
		}
		dst.d.mu.Lock()
		defer dst.d.mu.Unlock()
		if dst.d.open {
			dst.d.backend.WriteBuffer(dst.d.queue, dst.b, uint64(off), s)
		}
		return nil
	})
}

// Barrier is a no-op: queue writes execute in submission
// order already.
func (cb *cmdBuffer) Barrier(b []driver.Barrier) {}
