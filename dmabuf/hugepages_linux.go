// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmabuf

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
)

const (
	log2PageSize     = 12
	log2HugePageSize = log2PageSize + 9
	HugePageSize     = 1 << log2HugePageSize
)

// Hugepages maps locked 2M huge pages and translates them to physical
// addresses through /proc/self/pagemap, which requires CAP_SYS_ADMIN.
type Hugepages struct {
	Pagemap string
}

func (h *Hugepages) pagemap() string {
	if len(h.Pagemap) > 0 {
		return h.Pagemap
	}
	return "/proc/self/pagemap"
}

func (h *Hugepages) Alloc(size uint64) ([]byte, uint64, error) {
	n := (size + HugePageSize - 1) &^ (HugePageSize - 1)
	mem, err := syscall.Mmap(-1, 0, int(n),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS|
			syscall.MAP_HUGETLB|syscall.MAP_LOCKED)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap %d hugepage bytes: %v", n, err)
	}
	phys, err := h.physical(mem)
	if err != nil {
		syscall.Munmap(mem)
		return nil, 0, err
	}
	return mem, phys, nil
}

// physical returns the bus address of mem after checking that its huge
// pages are physically contiguous.
func (h *Hugepages) physical(mem []byte) (uint64, error) {
	f, err := os.OpenFile(h.pagemap(), os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	// fault in each page before translation
	for i := 0; i < len(mem); i += HugePageSize {
		mem[i] = 0
	}
	var base uint64
	for i := 0; i < len(mem); i += HugePageSize {
		var b [8]byte
		a := addressOf(mem[i:])
		pfn := int64(a >> log2PageSize)
		if _, err = f.ReadAt(b[:], pfn*8); err != nil {
			return 0, fmt.Errorf("pagemap: %v", err)
		}
		v := binary.LittleEndian.Uint64(b[:])
		if v&(1<<63) == 0 {
			return 0, fmt.Errorf("pagemap %#x: not present", a)
		}
		// Bits 0-54 are the physical page number.
		pa := (v & (1<<55 - 1)) << log2PageSize
		if pa == 0 {
			return 0, fmt.Errorf("pagemap %#x: no physical address",
				a)
		}
		if i == 0 {
			base = pa
		} else if pa != base+uint64(i) {
			return 0, fmt.Errorf("hugepages not contiguous at %#x",
				pa)
		}
	}
	return base, nil
}

func (h *Hugepages) Free(mem []byte) error {
	return syscall.Munmap(mem)
}
