// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmabuf

import (
	"fmt"
	"sort"
)

type span struct {
	addr, size uint64
}

// Arena is a first fit allocator of aligned blocks in a bus address range
// that has no CPU mapping. It is not safe for concurrent use.
type Arena struct {
	base, size, align uint64
	free              []span
	used              map[uint64]uint64
	inUse             uint64
}

// NewArena manages [base, base+size); align must be a power of two.
func NewArena(base, size, align uint64) *Arena {
	if align == 0 {
		align = 1
	}
	a := &Arena{
		base:  base,
		size:  size,
		align: align,
		used:  make(map[uint64]uint64),
	}
	if size > 0 {
		a.free = []span{{base, size}}
	}
	return a
}

func (a *Arena) roundUp(x uint64) uint64 {
	return (x + a.align - 1) &^ (a.align - 1)
}

// Alloc returns the address of n free bytes.
func (a *Arena) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero length: %w", ErrAlloc)
	}
	n = a.roundUp(n)
	for i, s := range a.free {
		addr := a.roundUp(s.addr)
		pad := addr - s.addr
		if pad > s.size || s.size-pad < n {
			continue
		}
		var rest []span
		if pad > 0 {
			rest = append(rest, span{s.addr, pad})
		}
		if tail := s.size - pad - n; tail > 0 {
			rest = append(rest, span{addr + n, tail})
		}
		a.free = append(a.free[:i], append(rest, a.free[i+1:]...)...)
		a.used[addr] = n
		a.inUse += n
		return addr, nil
	}
	return 0, fmt.Errorf("%d bytes of %#x@%#x: %w", n, a.size, a.base,
		ErrAlloc)
}

// Free returns a block to the arena, merging it with free neighbors.
func (a *Arena) Free(addr uint64) error {
	n, found := a.used[addr]
	if !found {
		return fmt.Errorf("free %#x: not allocated", addr)
	}
	delete(a.used, addr)
	a.inUse -= n
	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].addr > addr
	})
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{addr, n}
	if i+1 < len(a.free) && a.free[i].addr+a.free[i].size ==
		a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].addr+a.free[i-1].size == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

func (a *Arena) InUse() uint64 { return a.inUse }

// Available returns the free bytes, ignoring fragmentation.
func (a *Arena) Available() uint64 { return a.size - a.inUse }
