// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package csr

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

type mapped []byte

// Mapped returns a Window of memory mapped registers. The slice must be
// 4-byte aligned, as it is when returned by mmap.
func Mapped(b []byte) Window { return mapped(b) }

func (m mapped) Len() int { return len(m) }

func (m mapped) Load32(off uint32) (uint32, error) {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[off]))), nil
}

// Atomic stores are sequentially consistent so they also serve as the
// memory barrier that orders the register write.
func (m mapped) Store32(off uint32, v uint32) error {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m[off])), v)
	return nil
}

var ErrClosed = errors.New("register window closed")

type closed int

func (n closed) Len() int                         { return int(n) }
func (closed) Load32(off uint32) (uint32, error)  { return 0, ErrClosed }
func (closed) Store32(off uint32, v uint32) error { return ErrClosed }
