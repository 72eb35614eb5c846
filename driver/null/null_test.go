// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package null

import (
	"errors"
	"testing"
	"time"

	"github.com/gviegas/hal/driver"
)

func TestRegistered(t *testing.T) {
	for _, d := range driver.Drivers() {
		if d.Name() == driverName {
			return
		}
	}
	t.Fatal("driver.Drivers: null driver not registered")
}

// openT opens a private Driver for a test.
func openT(t *testing.T) *Driver {
	t.Helper()
	var d Driver
	if _, err := d.Open(); err != nil {
		t.Fatalf("Driver.Open:\nhave %v\nwant nil", err)
	}
	t.Cleanup(d.Close)
	return &d
}

// record begins cb, records f and ends cb.
func record(t *testing.T, cb driver.CmdBuffer, f func()) {
	t.Helper()
	if err := cb.Begin(); err != nil {
		t.Fatalf("CmdBuffer.Begin:\nhave %v\nwant nil", err)
	}
	f()
	if err := cb.End(); err != nil {
		t.Fatalf("CmdBuffer.End:\nhave %v\nwant nil", err)
	}
}

func TestCommitAuto(t *testing.T) {
	d := openT(t)
	src, err := d.NewBuffer(16, true, driver.UCopySrc)
	if err != nil {
		t.Fatalf("GPU.NewBuffer:\nhave %v\nwant nil", err)
	}
	dst, err := d.NewBuffer(16, true, driver.UCopyDst)
	if err != nil {
		t.Fatalf("GPU.NewBuffer:\nhave %v\nwant nil", err)
	}
	copy(src.Bytes(), "0123456789abcdef")
	cb, _ := d.NewCmdBuffer()
	record(t, cb, func() {
		cb.CopyBuffer(&driver.BufferCopy{
			From: src, FromOff: 0,
			To: dst, ToOff: 0,
			Size: 16,
		})
	})
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
	ch := make(chan *driver.WorkItem, 1)
	if err := d.Commit(wk, ch); err != nil {
		t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
	}
	select {
	case got := <-ch:
		if got != wk {
			t.Fatal("GPU.Commit: delivered a different WorkItem")
		}
		if got.Err != nil {
			t.Fatalf("WorkItem.Err:\nhave %v\nwant nil", got.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("GPU.Commit: work did not complete")
	}
	if s := string(dst.Bytes()); s != "0123456789abcdef" {
		t.Fatalf("copy result:\nhave %q\nwant %q", s, "0123456789abcdef")
	}
}

// TestCommitChainAuto commits two dependent batches and
// checks that the second one observes the first one's
// writes, as commits must complete in commit order.
func TestCommitChainAuto(t *testing.T) {
	d := openT(t)
	src, _ := d.NewBuffer(64, true, driver.UCopySrc)
	mid, _ := d.NewBuffer(64, true, driver.UCopySrc|driver.UCopyDst)
	dst, _ := d.NewBuffer(64, true, driver.UCopyDst)
	ch := make(chan *driver.WorkItem, 2)
	for i := 0; i < 100; i++ {
		for j := range src.Bytes() {
			src.Bytes()[j] = byte(i + j)
		}
		clear(mid.Bytes())
		clear(dst.Bytes())
		cb1, _ := d.NewCmdBuffer()
		record(t, cb1, func() {
			cb1.CopyBuffer(&driver.BufferCopy{From: src, To: mid, Size: 64})
		})
		cb2, _ := d.NewCmdBuffer()
		record(t, cb2, func() {
			cb2.CopyBuffer(&driver.BufferCopy{From: mid, To: dst, Size: 64})
		})
		wk1 := &driver.WorkItem{Work: []driver.CmdBuffer{cb1}, Custom: 1}
		wk2 := &driver.WorkItem{Work: []driver.CmdBuffer{cb2}, Custom: 2}
		if err := d.Commit(wk1, ch); err != nil {
			t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
		}
		if err := d.Commit(wk2, ch); err != nil {
			t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
		}
		for k := 1; k <= 2; k++ {
			select {
			case got := <-ch:
				if got.Err != nil {
					t.Fatalf("WorkItem.Err:\nhave %v\nwant nil", got.Err)
				}
				if got.Custom.(int) != k {
					t.Fatalf("completion order:\nhave %v\nwant %v", got.Custom, k)
				}
			case <-time.After(time.Second):
				t.Fatal("GPU.Commit: work did not complete")
			}
		}
		for j, b := range dst.Bytes() {
			if b != byte(i+j) {
				t.Fatalf("chained copy: byte %d is %#x, want %#x", j, b, byte(i+j))
			}
		}
	}
}

func TestManualRetire(t *testing.T) {
	d := openT(t)
	d.SetManual(true)
	buf, _ := d.NewBuffer(16, true, driver.UCopyDst)
	cb, _ := d.NewCmdBuffer()
	record(t, cb, func() { cb.Fill(buf, 0, 0xaa, 16) })
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
	ch := make(chan *driver.WorkItem, 1)
	if err := d.Commit(wk, ch); err != nil {
		t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
	}
	if n := d.Pending(); n != 1 {
		t.Fatalf("Driver.Pending:\nhave %v\nwant 1", n)
	}
	select {
	case <-ch:
		t.Fatal("GPU.Commit: work completed before Retire")
	default:
	}
	if buf.Bytes()[0] != 0 {
		t.Fatal("Fill: executed before Retire")
	}
	if n := d.Retire(1); n != 1 {
		t.Fatalf("Driver.Retire:\nhave %v\nwant 1", n)
	}
	got := <-ch
	if got.Err != nil {
		t.Fatalf("WorkItem.Err:\nhave %v\nwant nil", got.Err)
	}
	for i, b := range buf.Bytes() {
		if b != 0xaa {
			t.Fatalf("Fill: byte %d is %#x, want 0xaa", i, b)
		}
	}
	if n := d.Pending(); n != 0 {
		t.Fatalf("Driver.Pending:\nhave %v\nwant 0", n)
	}
}

func TestRetireOrder(t *testing.T) {
	d := openT(t)
	d.SetManual(true)
	ch := make(chan *driver.WorkItem, 2)
	var wks [2]*driver.WorkItem
	for i := range wks {
		cb, _ := d.NewCmdBuffer()
		record(t, cb, func() {})
		wks[i] = &driver.WorkItem{Work: []driver.CmdBuffer{cb}, Custom: i}
		if err := d.Commit(wks[i], ch); err != nil {
			t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
		}
	}
	d.RetireAll()
	for i := range wks {
		got := <-ch
		if got.Custom.(int) != i {
			t.Fatalf("retirement order:\nhave %v\nwant %v", got.Custom, i)
		}
	}
}

func TestFailNext(t *testing.T) {
	d := openT(t)
	d.FailNext(driver.ErrFatal)
	cb, _ := d.NewCmdBuffer()
	record(t, cb, func() {})
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
	ch := make(chan *driver.WorkItem, 1)
	if err := d.Commit(wk, ch); err != nil {
		t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
	}
	if got := <-ch; !errors.Is(got.Err, driver.ErrFatal) {
		t.Fatalf("WorkItem.Err:\nhave %v\nwant %v", got.Err, driver.ErrFatal)
	}
}

// TestUseAfterDestroy makes sure the execution canary
// trips when a command runs against freed memory.
func TestUseAfterDestroy(t *testing.T) {
	d := openT(t)
	d.SetManual(true)
	buf, _ := d.NewBuffer(16, true, driver.UCopyDst)
	cb, _ := d.NewCmdBuffer()
	record(t, cb, func() { cb.Fill(buf, 0, 1, 16) })
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
	ch := make(chan *driver.WorkItem, 1)
	if err := d.Commit(wk, ch); err != nil {
		t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
	}
	buf.Destroy()
	d.Retire(1)
	if got := <-ch; got.Err == nil {
		t.Fatal("WorkItem.Err:\nhave nil\nwant use-after-destroy error")
	}
}

func TestStats(t *testing.T) {
	d := openT(t)
	b1, _ := d.NewBuffer(4, true, driver.UCopyDst)
	b2, _ := d.NewBuffer(4, true, driver.UCopyDst)
	img, _ := d.NewImage(driver.RGBA8un, driver.Dim3D{Width: 2, Height: 2, Depth: 1}, 1, 1, 1, driver.UCopyDst)
	s := d.Stats()
	if s.BufsLive != 2 || s.ImgsLive != 1 {
		t.Fatalf("Driver.Stats:\nhave %+v\nwant 2 live buffers, 1 live image", s)
	}
	b1.Destroy()
	img.Destroy()
	s = d.Stats()
	if s.BufsLive != 1 || s.BufsDestroyed != 1 || s.ImgsLive != 0 || s.ImgsDestroyed != 1 {
		t.Fatalf("Driver.Stats:\nhave %+v\nwant 1/1 buffers, 0/1 images", s)
	}
	b2.Destroy()
}

func TestCmdBufferState(t *testing.T) {
	d := openT(t)
	cb, _ := d.NewCmdBuffer()
	if cb.IsRecording() {
		t.Fatal("CmdBuffer.IsRecording:\nhave true\nwant false")
	}
	if err := cb.End(); err == nil {
		t.Fatal("CmdBuffer.End before Begin:\nhave nil\nwant error")
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("CmdBuffer.Begin:\nhave %v\nwant nil", err)
	}
	if err := cb.Begin(); err == nil {
		t.Fatal("CmdBuffer.Begin while recording:\nhave nil\nwant error")
	}
	img, _ := d.NewImage(driver.RGBA8un, driver.Dim3D{Width: 4, Height: 4, Depth: 1}, 1, 1, 1, driver.URenderTarget)
	cb.BeginPass(4, 4, []driver.ColorTarget{{Img: img, Load: driver.LClear}}, nil)
	if err := cb.End(); err == nil {
		t.Fatal("CmdBuffer.End inside pass:\nhave nil\nwant error")
	}
	// End inside a pass resets the recording.
	if err := cb.Begin(); err != nil {
		t.Fatalf("CmdBuffer.Begin after failed End:\nhave %v\nwant nil", err)
	}
	if err := cb.End(); err != nil {
		t.Fatalf("CmdBuffer.End:\nhave %v\nwant nil", err)
	}
	if err := cb.Begin(); err == nil {
		t.Fatal("CmdBuffer.Begin after End:\nhave nil\nwant error")
	}
	if err := cb.Reset(); err != nil {
		t.Fatalf("CmdBuffer.Reset:\nhave %v\nwant nil", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("CmdBuffer.Begin after Reset:\nhave %v\nwant nil", err)
	}
}

func TestCopyBufToImg(t *testing.T) {
	d := openT(t)
	img, _ := d.NewImage(driver.RGBA8un, driver.Dim3D{Width: 2, Height: 2, Depth: 1}, 1, 1, 1, driver.UCopyDst|driver.UCopySrc)
	src, _ := d.NewBuffer(16, true, driver.UCopySrc)
	dst, _ := d.NewBuffer(16, true, driver.UCopyDst)
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i)
	}
	cb, _ := d.NewCmdBuffer()
	record(t, cb, func() {
		cb.CopyBufToImg(&driver.BufImgCopy{
			Buf: src, Img: img,
			Size: driver.Dim3D{Width: 2, Height: 2, Depth: 1},
		})
		cb.CopyImgToBuf(&driver.BufImgCopy{
			Buf: dst, Img: img,
			Size: driver.Dim3D{Width: 2, Height: 2, Depth: 1},
		})
	})
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
	ch := make(chan *driver.WorkItem, 1)
	if err := d.Commit(wk, ch); err != nil {
		t.Fatalf("GPU.Commit:\nhave %v\nwant nil", err)
	}
	if got := <-ch; got.Err != nil {
		t.Fatalf("WorkItem.Err:\nhave %v\nwant nil", got.Err)
	}
	for i := range dst.Bytes() {
		if dst.Bytes()[i] != byte(i) {
			t.Fatalf("round trip: byte %d is %#x, want %#x", i, dst.Bytes()[i], byte(i))
		}
	}
}
