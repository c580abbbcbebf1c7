// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmabuf

import (
	"fmt"
	"sync"
	"unsafe"
)

func addressOf(b []byte) uintptr { return uintptr(unsafe.Pointer(&b[0])) }

// SimHost is HostMemory from the Go heap with synthetic bus addresses, for
// tests and dry runs without a card.
type SimHost struct {
	mu   sync.Mutex
	next uint64
	held map[uintptr]uint64
}

func NewSimHost(base uint64) *SimHost {
	return &SimHost{
		next: base,
		held: make(map[uintptr]uint64),
	}
}

func (h *SimHost) Alloc(size uint64) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, fmt.Errorf("zero length")
	}
	mem := make([]byte, size)
	h.mu.Lock()
	defer h.mu.Unlock()
	dma := h.next
	h.next += (size + PageSize - 1) &^ (PageSize - 1)
	h.held[addressOf(mem)] = dma
	return mem, dma, nil
}

func (h *SimHost) Free(mem []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := addressOf(mem)
	if _, found := h.held[a]; !found {
		return fmt.Errorf("free %#x: not allocated", a)
	}
	delete(h.held, a)
	return nil
}

// Held returns the number of outstanding allocations.
func (h *SimHost) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}
