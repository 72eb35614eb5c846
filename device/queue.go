// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"errors"
	"time"

	"github.com/gviegas/hal/driver"
)

// SubmissionID identifies a submission on the Queue's
// timeline. IDs increase monotonically from 1; zero is
// never a valid ID.
type SubmissionID uint64

// deferredRelease is a resource awaiting its retirement
// point.
type deferredRelease struct {
	h handle
	// after is the submission that must retire before
	// the native resource can be released.
	after uint64
}

// inflight tracks one committed submission until it
// retires.
type inflight struct {
	serial uint64
	wk     *driver.WorkItem
	ch     chan *driver.WorkItem
	// done is closed by retire so concurrent waiters on
	// the same submission all unblock.
	done    chan struct{}
	cbs     []driver.CmdBuffer
	pins    []handle
	pipes   []*Pipeline
	retired bool
}

// Queue is the Device's submission queue.
// Submissions retire strictly in submission order; the
// retirement of serial n implies the retirement of every
// serial below n.
type Queue struct {
	d             *Device
	lastSubmitted uint64
	lastCompleted uint64
	inflight      []*inflight
	freeCB        []driver.CmdBuffer
	deferred      []deferredRelease
}

func newQueue(d *Device) *Queue { return &Queue{d: d} }

// Completed returns the ID of the most recent submission
// known to have retired.
func (q *Queue) Completed() SubmissionID {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	return SubmissionID(q.lastCompleted)
}

// InFlight returns the number of submissions not yet
// known to have retired.
func (q *Queue) InFlight() int {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	return len(q.inflight)
}

// deferRelease schedules h for release once every
// submission up to the current tail retires.
// Called with Device.mu held.
func (q *Queue) deferRelease(h handle) {
	q.deferred = append(q.deferred, deferredRelease{h: h, after: q.lastSubmitted})
}

// Submit commits the given command sequences as a single
// submission and returns its ID.
// Every sequence is consumed, successfully or not. The
// resources they reference are pinned until retirement,
// so destroying a referenced resource right after Submit
// is safe.
func (q *Queue) Submit(seqs ...*CommandSeq) (SubmissionID, error) {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	if q.d.lost {
		return 0, ErrDeviceLost
	}
	if len(seqs) == 0 {
		return 0, validationErr("Submit", "empty submission")
	}
	for _, seq := range seqs {
		if seq == nil || seq.d != q.d {
			return 0, ErrInvalidHandle
		}
		if seq.consumed {
			return 0, ErrInvalidState
		}
	}
	for _, seq := range seqs {
		seq.consumed = true
	}
	// Destroys that landed between Finish and Submit
	// invalidate the sequence.
	for _, seq := range seqs {
		for _, h := range seq.refs {
			s := q.d.reg.resolveAny(h)
			if s == nil || s.destroyed {
				return 0, ErrInvalidHandle
			}
		}
	}
	cbs := make([]driver.CmdBuffer, 0, len(seqs))
	for _, seq := range seqs {
		cb, err := q.takeCB()
		if err != nil {
			q.putCBs(cbs)
			return 0, q.d.driverErr(err)
		}
		cbs = append(cbs, cb)
		if err := q.record(cb, seq); err != nil {
			q.putCBs(cbs)
			return 0, q.d.driverErr(err)
		}
	}
	serial := q.lastSubmitted + 1
	inf := &inflight{
		serial: serial,
		wk:     &driver.WorkItem{Work: cbs, Custom: serial},
		ch:     make(chan *driver.WorkItem, 1),
		done:   make(chan struct{}),
		cbs:    cbs,
	}
	for _, seq := range seqs {
		for _, h := range seq.refs {
			q.d.reg.resolveAny(h).refs++
			inf.pins = append(inf.pins, h)
		}
		for _, p := range seq.pipes {
			p.refs++
			p.lastUse = serial
			inf.pipes = append(inf.pipes, p)
		}
	}
	if err := q.d.gpu.Commit(inf.wk, inf.ch); err != nil {
		q.unpin(inf)
		q.putCBs(cbs)
		return 0, q.d.driverErr(err)
	}
	q.lastSubmitted = serial
	q.inflight = append(q.inflight, inf)
	q.d.log.WithField("serial", serial).Trace("submitted")
	return SubmissionID(serial), nil
}

// takeCB recycles a retired command buffer or creates a
// new one. Called with Device.mu held.
func (q *Queue) takeCB() (driver.CmdBuffer, error) {
	if n := len(q.freeCB); n > 0 {
		cb := q.freeCB[n-1]
		q.freeCB = q.freeCB[:n-1]
		return cb, nil
	}
	return q.d.gpu.NewCmdBuffer()
}

func (q *Queue) putCBs(cbs []driver.CmdBuffer) {
	for _, cb := range cbs {
		if cb.Reset() == nil {
			q.freeCB = append(q.freeCB, cb)
		} else {
			cb.Destroy()
		}
	}
}

// record translates a command sequence into a driver
// command buffer. Called with Device.mu held; every
// referenced handle has been checked alive already.
func (q *Queue) record(cb driver.CmdBuffer, seq *CommandSeq) error {
	if err := cb.Begin(); err != nil {
		return err
	}
	buf := func(h handle) (driver.Buffer, int64) {
		res := q.d.reg.resolveAny(h).res
		return res.pool.buf, res.alloc.off
	}
	img := func(h handle) driver.Image {
		return q.d.reg.resolveAny(h).res.img
	}
	for i := range seq.ops {
		x := &seq.ops[i]
		switch x.kind {
		case opBeginPass:
			color := make([]driver.ColorTarget, len(x.color))
			for j := range x.color {
				color[j] = driver.ColorTarget{
					Img:   img(x.color[j].Img.h),
					Load:  x.color[j].Load,
					Store: x.color[j].Store,
					Clear: driver.ClearValue{Color: x.color[j].Clear},
				}
			}
			var ds *driver.DSTarget
			if x.ds != nil {
				ds = &driver.DSTarget{
					Img:   img(x.ds.Img.h),
					Load:  [2]driver.LoadOp{x.ds.Load, x.ds.Load},
					Store: [2]driver.StoreOp{x.ds.Store, x.ds.Store},
					Clear: driver.ClearValue{Depth: x.ds.ClearDepth},
				}
			}
			cb.BeginPass(x.width, x.height, color, ds)
		case opEndPass:
			cb.EndPass()
		case opSetPipeline:
			cb.SetPipeline(x.pipe.pl)
		case opSetVertexBuf:
			b, base := buf(x.h)
			cb.SetVertexBuf(x.slot, []driver.Buffer{b}, []int64{base + x.off})
		case opSetIndexBuf:
			b, base := buf(x.h)
			cb.SetIndexBuf(x.idxFmt, b, base+x.off)
		case opDraw:
			cb.Draw(x.counts[0], x.counts[1], x.counts[2], x.counts[3])
		case opDrawIndexed:
			cb.DrawIndexed(x.counts[0], x.counts[1], x.counts[2], x.slot, x.counts[3])
		case opDispatch:
			cb.Dispatch(x.groups[0], x.groups[1], x.groups[2])
		case opCopyBuffer:
			dst, dstBase := buf(x.h)
			src, srcBase := buf(x.h2)
			cb.CopyBuffer(&driver.BufferCopy{
				From:    src,
				FromOff: srcBase + x.off2,
				To:      dst,
				ToOff:   dstBase + x.off,
				Size:    x.size,
			})
		case opCopyBufToImg:
			b, base := buf(x.h2)
			cb.CopyBufToImg(&driver.BufImgCopy{
				Buf:    b,
				BufOff: base + x.off,
				Stride: x.stride,
				Img:    img(x.h),
				ImgOff: x.imgOff,
				Layer:  x.layer,
				Level:  x.level,
				Size:   x.imgExt,
			})
		case opCopyImgToBuf:
			b, base := buf(x.h)
			cb.CopyImgToBuf(&driver.BufImgCopy{
				Buf:    b,
				BufOff: base + x.off,
				Stride: x.stride,
				Img:    img(x.h2),
				ImgOff: x.imgOff,
				Layer:  x.layer,
				Level:  x.level,
				Size:   x.imgExt,
			})
		case opFill:
			b, base := buf(x.h)
			cb.Fill(b, base+x.off, x.value, x.size)
		case opBarrier:
			cb.Barrier(x.barr)
		}
	}
	return cb.End()
}

// unpin drops the pins taken at Submit.
// Called with Device.mu held.
func (q *Queue) unpin(inf *inflight) {
	for _, h := range inf.pins {
		if s := q.d.reg.resolveAny(h); s != nil {
			s.refs--
		}
	}
	for _, p := range inf.pipes {
		p.refs--
	}
	inf.pins = nil
	inf.pipes = nil
}

// retire marks inf complete and advances the completed
// watermark. Called with Device.mu held; inf must be the
// head of the in-flight list.
func (q *Queue) retire(inf *inflight) {
	if inf.retired {
		return
	}
	inf.retired = true
	q.inflight = q.inflight[1:]
	q.lastCompleted = inf.serial
	q.unpin(inf)
	if inf.wk.Err != nil {
		if errors.Is(inf.wk.Err, driver.ErrFatal) {
			q.d.markLost()
		} else {
			q.d.log.WithField("serial", inf.serial).WithError(inf.wk.Err).Error("submission failed")
		}
	}
	if !q.d.lost {
		q.putCBs(inf.cbs)
	}
	inf.cbs = nil
	close(inf.done)
	q.d.log.WithField("serial", inf.serial).Trace("retired")
}

// Poll checks for retired submissions without blocking
// and runs the release sweep. It returns the completed
// watermark.
func (q *Queue) Poll() SubmissionID {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	for len(q.inflight) > 0 {
		inf := q.inflight[0]
		select {
		case wk := <-inf.ch:
			inf.wk = wk
			q.retire(inf)
		default:
			q.sweepLocked()
			return SubmissionID(q.lastCompleted)
		}
	}
	q.sweepLocked()
	return SubmissionID(q.lastCompleted)
}

// Wait blocks until the given submission retires or the
// timeout elapses. A non-positive timeout means wait
// forever.
func (q *Queue) Wait(id SubmissionID, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		q.d.mu.Lock()
		switch {
		case uint64(id) > q.lastSubmitted:
			q.d.mu.Unlock()
			return ErrInvalidHandle
		case q.lastCompleted >= uint64(id):
			q.sweepLocked()
			q.d.mu.Unlock()
			return nil
		case q.d.lost:
			q.d.mu.Unlock()
			return ErrDeviceLost
		}
		inf := q.inflight[0]
		q.d.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrTimedOut
			}
			timer = time.NewTimer(left)
			timeout = timer.C
		}
		select {
		case wk := <-inf.ch:
			q.d.mu.Lock()
			inf.wk = wk
			q.retire(inf)
			q.d.mu.Unlock()
		case <-inf.done:
			// Retired by a concurrent Poll or Wait.
		case <-timeout:
			return ErrTimedOut
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// sweepLocked releases every deferred resource whose
// retirement point has passed and that is no longer
// pinned, then lets the pipeline cache enforce its
// budget. Called with Device.mu held.
func (q *Queue) sweepLocked() {
	kept := q.deferred[:0]
	for _, dr := range q.deferred {
		if dr.after > q.lastCompleted {
			kept = append(kept, dr)
			continue
		}
		s := q.d.reg.resolveAny(dr.h)
		if s == nil {
			continue
		}
		if s.refs > 0 {
			kept = append(kept, dr)
			continue
		}
		q.d.releaseNative(s.res)
		q.d.reg.release(dr.h)
	}
	q.deferred = kept
	q.d.cache.evict(q.lastCompleted)
}

// drain blocks until every in-flight submission retires.
// Used by Device.Close; gives up on a lost device.
func (q *Queue) drain() {
	for {
		q.d.mu.Lock()
		if len(q.inflight) == 0 || q.d.lost {
			q.d.mu.Unlock()
			return
		}
		inf := q.inflight[0]
		q.d.mu.Unlock()
		select {
		case wk := <-inf.ch:
			q.d.mu.Lock()
			inf.wk = wk
			q.retire(inf)
			q.d.mu.Unlock()
		case <-inf.done:
		}
	}
}
