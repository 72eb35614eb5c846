// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package null

import (
	"errors"

	"github.com/gviegas/hal/driver"
)

// cmdBuffer implements driver.CmdBuffer.
// Recorded commands are stored as closures and executed
// when the commit that contains the command buffer is
// retired. Copy and fill commands operate on the backing
// host memory of the null resources; draw and dispatch
// commands only validate their inputs.
type cmdBuffer struct {
	d         *Driver
	recording bool
	ended     bool
	inPass    bool
	ops       []func() error
	destroyed bool
}

// NewCmdBuffer creates a new command buffer.
func (d *Driver) NewCmdBuffer() (driver.CmdBuffer, error) {
	return &cmdBuffer{d: d}, nil
}

func (cb *cmdBuffer) Begin() error {
	if cb.recording {
		return errors.New("null: Begin called while recording")
	}
	if cb.ended {
		return errors.New("null: Begin called before execution/reset")
	}
	cb.recording = true
	cb.ops = cb.ops[:0]
	return nil
}

func (cb *cmdBuffer) IsRecording() bool { return cb.recording }

func (cb *cmdBuffer) BeginPass(width, height int, color []driver.ColorTarget, ds *driver.DSTarget) {
	cb.inPass = true
	for i := range color {
		img := color[i].Img.(*image)
		clear := color[i].Load == driver.LClear
		cb.ops = append(cb.ops, func() error {
			if err := cb.aliveImg(img); err != nil {
				return err
			}
			if clear {
				for i := range img.data {
					img.data[i] = 0
				}
			}
			return nil
		})
	}
	if ds != nil {
		img := ds.Img.(*image)
		cb.ops = append(cb.ops, func() error { return cb.aliveImg(img) })
	}
}

func (cb *cmdBuffer) EndPass() { cb.inPass = false }

func (cb *cmdBuffer) SetPipeline(pl driver.Pipeline) {
	p := pl.(*pipeline)
	cb.ops = append(cb.ops, func() error {
		if p == nil {
			return errors.New("null: nil pipeline")
		}
		return nil
	})
}

func (cb *cmdBuffer) SetVertexBuf(start int, buf []driver.Buffer, off []int64) {
	for i := range buf {
		b := buf[i].(*buffer)
		o := off[i]
		cb.ops = append(cb.ops, func() error {
			if err := cb.alive(b); err != nil {
				return err
			}
			if o < 0 || o >= b.Cap() {
				return errors.New("null: vertex buffer offset out of bounds")
			}
			return nil
		})
	}
}

func (cb *cmdBuffer) SetIndexBuf(format driver.IndexFmt, buf driver.Buffer, off int64) {
	b := buf.(*buffer)
	cb.ops = append(cb.ops, func() error {
		if err := cb.alive(b); err != nil {
			return err
		}
		if off < 0 || off >= b.Cap() {
			return errors.New("null: index buffer offset out of bounds")
		}
		return nil
	})
}

func (cb *cmdBuffer) Draw(vertCount, instCount, baseVert, baseInst int) {}

func (cb *cmdBuffer) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {}

func (cb *cmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) {}

func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	from := param.From.(*buffer)
	to := param.To.(*buffer)
	fromOff, toOff, size := param.FromOff, param.ToOff, param.Size
	cb.ops = append(cb.ops, func() error {
		if err := cb.alive(from); err != nil {
			return err
		}
		if err := cb.alive(to); err != nil {
			return err
		}
		if fromOff+size > from.Cap() || toOff+size > to.Cap() {
			return errors.New("null: buffer copy out of bounds")
		}
		copy(to.data[toOff:toOff+size], from.data[fromOff:fromOff+size])
		return nil
	})
}

func (cb *cmdBuffer) CopyBufToImg(param *driver.BufImgCopy) {
	buf := param.Buf.(*buffer)
	img := param.Img.(*image)
	p := *param
	cb.ops = append(cb.ops, func() error {
		if err := cb.alive(buf); err != nil {
			return err
		}
		if err := cb.aliveImg(img); err != nil {
			return err
		}
		return copyBufImg(buf, img, &p, true)
	})
}

func (cb *cmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) {
	buf := param.Buf.(*buffer)
	img := param.Img.(*image)
	p := *param
	cb.ops = append(cb.ops, func() error {
		if err := cb.alive(buf); err != nil {
			return err
		}
		if err := cb.aliveImg(img); err != nil {
			return err
		}
		return copyBufImg(buf, img, &p, false)
	})
}

func (cb *cmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	b := buf.(*buffer)
	cb.ops = append(cb.ops, func() error {
		if err := cb.alive(b); err != nil {
			return err
		}
		if off%4 != 0 || size%4 != 0 || off+size > b.Cap() {
			return errors.New("null: invalid fill range")
		}
		for i := off; i < off+size; i++ {
			b.data[i] = value
		}
		return nil
	})
}

func (cb *cmdBuffer) Barrier(b []driver.Barrier) {}

func (cb *cmdBuffer) End() error {
	if !cb.recording {
		return errors.New("null: End called while not recording")
	}
	if cb.inPass {
		cb.recording = false
		cb.inPass = false
		cb.ops = cb.ops[:0]
		return errors.New("null: End called inside a render pass")
	}
	cb.recording = false
	cb.ended = true
	return nil
}

func (cb *cmdBuffer) Reset() error {
	cb.recording = false
	cb.ended = false
	cb.inPass = false
	cb.ops = cb.ops[:0]
	return nil
}

func (cb *cmdBuffer) Destroy() {
	cb.destroyed = true
	cb.ops = nil
}

// execute runs the recorded commands.
func (cb *cmdBuffer) execute() error {
	for _, op := range cb.ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

// executed marks the command buffer as no longer pending,
// allowing a new recording to begin.
func (cb *cmdBuffer) executed() {
	cb.ended = false
	cb.ops = cb.ops[:0]
}

// alive fails if b was destroyed before execution.
// Executing a command that refers to destroyed memory is
// precisely the failure mode that deferred destruction
// exists to prevent, so it is reported loudly.
func (cb *cmdBuffer) alive(b *buffer) error {
	cb.d.mu.Lock()
	defer cb.d.mu.Unlock()
	if b.destroyed {
		return errors.New("null: command executed against destroyed buffer")
	}
	return nil
}

func (cb *cmdBuffer) aliveImg(m *image) error {
	cb.d.mu.Lock()
	defer cb.d.mu.Unlock()
	if m.destroyed {
		return errors.New("null: command executed against destroyed image")
	}
	return nil
}

// copyBufImg copies data between a buffer and the first
// depth slice of an image layer, row by row.
// Image storage is linear, tightly packed per layer.
func copyBufImg(buf *buffer, img *image, p *driver.BufImgCopy, toImg bool) error {
	px := int64(img.pf.Size())
	rowLen := p.Stride[0]
	if rowLen == 0 {
		rowLen = int64(p.Size.Width)
	}
	layerSize := int64(img.size.Width) * int64(img.size.Height) * int64(img.size.Depth) * px
	imgBase := int64(p.Layer) * layerSize
	for y := 0; y < p.Size.Height; y++ {
		bufOff := p.BufOff + int64(y)*rowLen*px
		imgOff := imgBase + (int64(p.ImgOff.Y+y)*int64(img.size.Width)+int64(p.ImgOff.X))*px
		n := int64(p.Size.Width) * px
		if bufOff+n > buf.Cap() || imgOff+n > int64(len(img.data)) {
			return errors.New("null: buffer/image copy out of bounds")
		}
		if toImg {
			copy(img.data[imgOff:imgOff+n], buf.data[bufOff:bufOff+n])
		} else {
			copy(buf.data[bufOff:bufOff+n], img.data[imgOff:imgOff+n])
		}
	}
	return nil
}
