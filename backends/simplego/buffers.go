// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/internal/regions"
	"github.com/gomlx/placement/pkg/core/avals"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/gomlx/placement/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer of the simplego backend: the flat data of one shard, stored row-major in Go memory.
//
// Buffers are reference counted: aliasing a buffer shares it, and BufferFinalize releases one
// reference. Operations in flight also hold a reference to their inputs.
type Buffer struct {
	backend    *Backend
	device     *placement.Device
	aval       avals.AbstractValue
	memoryKind placement.MemoryKind
	layout     *placement.Layout

	// flat is a slice of the Go type of aval.DType, written by the operation that produces the
	// buffer, and only read after ready is triggered.
	flat  any
	ready *xsync.LatchWithValue[error]
	refs  atomic.Int32
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	pool, ok := b.bufferPools.Load(key)
	if !ok {
		pool, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any { return regions.NewFlat(dtype, length) },
		})
	}
	return pool.(*sync.Pool)
}

// newBuffer allocates a buffer with one reference, whose data will be available when ready
// is triggered.
func (b *Backend) newBuffer(device *placement.Device, aval avals.AbstractValue, memoryKind placement.MemoryKind,
	layout *placement.Layout, ready *xsync.LatchWithValue[error]) *Buffer {
	buf := &Buffer{
		backend:    b,
		device:     device,
		aval:       aval.WithMemorySpace(memoryKind.MemorySpace()),
		memoryKind: memoryKind.Normalize(),
		layout:     layout,
		flat:       b.getBufferPool(aval.DType, aval.Size()).Get(),
		ready:      ready,
	}
	buf.refs.Store(1)
	return buf
}

// retain adds a reference to the buffer.
func (buf *Buffer) retain() {
	buf.refs.Add(1)
}

// release drops a reference to the buffer, and recycles its data when there are none left.
func (buf *Buffer) release() {
	refs := buf.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		return
	}
	flat := buf.flat
	buf.flat = nil
	if flat != nil && buf.ready.Test() {
		buf.backend.getBufferPool(buf.aval.DType, buf.aval.Size()).Put(flat)
	}
}

// isLive returns whether the buffer still has references.
func (buf *Buffer) isLive() bool {
	return buf.refs.Load() > 0
}

// castBuffer checks that buffer is a live *Buffer owned by this backend.
func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer of type %T is not a %q backend buffer", buffer, BackendName)
	}
	if buf.backend != b {
		return nil, errors.Errorf("buffer on device %s belongs to process %d, not to %s",
			buf.device, buf.backend.processIndex, b)
	}
	if !buf.isLive() {
		return nil, errors.Errorf("buffer on device %s has already been finalized", buf.device)
	}
	return buf, nil
}

// BufferFinalize releases the reference to the buffer held by the caller.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.release()
	return nil
}

// BufferAval returns the abstract value of the shard held by buffer.
func (b *Backend) BufferAval(buffer backends.Buffer) (avals.AbstractValue, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return avals.AbstractValue{}, err
	}
	return buf.aval.Clone(), nil
}

// BufferDevice returns the device holding buffer.
func (b *Backend) BufferDevice(buffer backends.Buffer) (*placement.Device, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return buf.device, nil
}

// BufferMemoryKind returns the memory kind where buffer is stored.
func (b *Backend) BufferMemoryKind(buffer backends.Buffer) (placement.MemoryKind, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return placement.DefaultMemoryKind, err
	}
	return buf.memoryKind, nil
}

// BufferLayout returns the layout the buffer was created with. Data is always stored row-major.
func (b *Backend) BufferLayout(buffer backends.Buffer) (*placement.Layout, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return buf.layout, nil
}

// BufferToFlatData waits for the buffer and copies its contents to flat, that must be a slice
// of the same dtype and size.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if err = regions.CheckFlat(flat, buf.aval.DType, buf.aval.Size()); err != nil {
		return errors.WithMessagef(err, "BufferToFlatData of %s", buf.aval)
	}
	buf.retain()
	defer buf.release()
	if err = buf.ready.Wait(); err != nil {
		return err
	}
	idx := placement.FullIndex(buf.aval.Dimensions)
	regions.Copy(flat, idx, buf.flat, idx, idx)
	return nil
}

// BufferFromFlatData creates a buffer on device with a copy of flat, laid out as aval.
func (b *Backend) BufferFromFlatData(device *placement.Device, flat any, aval avals.AbstractValue) (backends.Buffer, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if device == nil || !b.isAddressable(device) {
		return nil, errors.Errorf("device %s is not addressable by %s", device, b)
	}
	if !aval.Ok() {
		return nil, errors.Errorf("invalid abstract value %s", aval)
	}
	if err := regions.CheckFlat(flat, aval.DType, aval.Size()); err != nil {
		return nil, errors.WithMessagef(err, "BufferFromFlatData(%s)", aval)
	}
	ready := xsync.NewLatchWithValue[error]()
	buf := b.newBuffer(device, aval, placement.DeviceMemoryKind, nil, ready)
	idx := placement.FullIndex(aval.Dimensions)
	regions.Copy(buf.flat, idx, flat, idx, idx)
	ready.Trigger(nil)
	return buf, nil
}

// BufferBlockUntilReady waits for the operation producing the buffer, and returns its error.
func (b *Backend) BufferBlockUntilReady(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	return buf.ready.Wait()
}

// BufferIsReady returns whether the operation producing the buffer has finished.
func (b *Backend) BufferIsReady(buffer backends.Buffer) bool {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return false
	}
	return buf.ready.Test()
}
