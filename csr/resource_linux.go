// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package csr

import (
	"fmt"
	"os"
	"syscall"
)

// Resource is a mapped PCIe BAR.
type Resource struct {
	*Space
	Path string
	mem  []byte
}

// MapResource maps size bytes of the sysfs BAR resource at path.
func MapResource(path string, size int) (*Resource, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mem, err := syscall.Mmap(int(f.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %s", path, err)
	}
	return &Resource{
		Space: New(Mapped(mem)),
		Path:  path,
		mem:   mem,
	}, nil
}

func (r *Resource) Close() error {
	if r.mem == nil {
		return nil
	}
	err := syscall.Munmap(r.mem)
	r.Space.w = closed(len(r.mem))
	r.mem = nil
	if err != nil {
		return fmt.Errorf("munmap %s: %s", r.Path, err)
	}
	return nil
}
