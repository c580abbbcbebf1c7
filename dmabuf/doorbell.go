// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmabuf

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Doorbells is the host buffer the RDMA engine writes completion and
// receive queue consumer indices into: numQP CQ words followed by numQP RQ
// words.
type Doorbells struct {
	buf   *Buffer
	numQP int
}

// Doorbells allocates the shared consumer index buffer of numQP queue
// pairs.
func (a *Allocator) Doorbells(numQP int) (*Doorbells, error) {
	if numQP <= 0 {
		return nil, fmt.Errorf("doorbells for %d qps: %w", numQP,
			ErrAlloc)
	}
	size := uint64(numQP) * 8
	if size < PageSize {
		size = PageSize
	}
	buf, err := a.Allocate(size, Host)
	if err != nil {
		return nil, err
	}
	return &Doorbells{buf: buf, numQP: numQP}, nil
}

func (d *Doorbells) Buffer() *Buffer { return d.buf }
func (d *Doorbells) NumQP() int      { return d.numQP }

func (d *Doorbells) CQBase() uint64 { return d.buf.DMAAddr() }

func (d *Doorbells) RQBase() uint64 {
	return d.buf.DMAAddr() + uint64(d.numQP)*4
}

func (d *Doorbells) load(i int) uint32 {
	b := d.buf.Bytes()
	if b == nil || i < 0 || 4*i+4 > len(b) {
		return 0
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[4*i])))
}

// CQ returns the completion queue consumer index of the i'th queue pair.
func (d *Doorbells) CQ(i int) uint32 {
	if i < 0 || i >= d.numQP {
		return 0
	}
	return d.load(i)
}

// RQ returns the receive queue consumer index of the i'th queue pair.
func (d *Doorbells) RQ(i int) uint32 {
	if i < 0 || i >= d.numQP {
		return 0
	}
	return d.load(d.numQP + i)
}

func (d *Doorbells) Release() error { return d.buf.Release() }
