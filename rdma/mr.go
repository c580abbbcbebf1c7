// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdma

import (
	"fmt"

	"github.com/platinasystems/reconic/dmabuf"
)

type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite

	AccessAll = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite
)

// MemoryRegion makes a buffer reachable by remote peers that present its
// rkey.
type MemoryRegion struct {
	PD     *ProtectionDomain
	RKey   uint32
	Access Access
	Buffer *dmabuf.Buffer
}

func (mr *MemoryRegion) index() uint32 { return mr.RKey % MaxMR }

// RegisterMemoryRegion registers buf, which must be held and come from the
// engine's allocator, under rkey in pd.
func (e *Engine) RegisterMemoryRegion(pd *ProtectionDomain, rkey uint32,
	buf *dmabuf.Buffer, access Access) (*MemoryRegion, error) {
	if pd == nil || pd.e != e {
		return nil, fmt.Errorf("mr %#x: %w", rkey, ErrInvalidPD)
	}
	if buf == nil || buf.Owner() != e.alloc || !e.alloc.Owns(buf) {
		return nil, fmt.Errorf("mr %#x: %w", rkey, ErrForeignBuffer)
	}
	mr := &MemoryRegion{PD: pd, RKey: rkey, Access: access, Buffer: buf}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if x, found := e.mrs[mr.index()]; found {
		return nil, fmt.Errorf("mr %#x: slot held by %#x: %w", rkey,
			x.RKey, ErrMRExists)
	}
	i := mr.index()
	addr := buf.DMAAddr()
	err := e.writes(
		MrReg(i, MrPdNum), pd.ID,
		MrReg(i, MrVirtAddrLsb), lo(addr),
		MrReg(i, MrVirtAddrMsb), hi(addr),
		MrReg(i, MrBufBaseLsb), lo(addr),
		MrReg(i, MrBufBaseMsb), hi(addr),
		MrReg(i, MrBufRkey), rkey,
		MrReg(i, MrWrRdBufLen), uint32(buf.Size()),
		MrReg(i, MrAccessDesc), uint32(access),
	)
	if err != nil {
		return nil, err
	}
	e.mrs[i] = mr
	return mr, nil
}

// DeregisterMemoryRegion revokes remote access to the region. The buffer
// stays with its holder.
func (e *Engine) DeregisterMemoryRegion(mr *MemoryRegion) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := mr.index()
	if e.mrs[i] != mr {
		return fmt.Errorf("mr %#x: not registered", mr.RKey)
	}
	delete(e.mrs, i)
	return e.writes(
		MrReg(i, MrAccessDesc), 0,
		MrReg(i, MrWrRdBufLen), 0,
		MrReg(i, MrBufRkey), 0,
	)
}
