// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package csr provides validated 32-bit access to the memory mapped control
// and status registers of a PCIe BAR.
//
// Every access is checked to be 4-byte aligned and inside the mapped
// window before it reaches the hardware; values are never cached.
package csr

import (
	"errors"
	"fmt"
)

var ErrInvalidOffset = errors.New("invalid register offset")

const (
	DefaultResource = "/sys/bus/pci/devices/0000:d8:00.0/resource2"
	// Full register window; the reset registers only need the first 64K.
	DefaultMapSize = 0x00400000
	ResetMapSize   = 0x00010000
)

// Window is the raw register memory behind a Space.
type Window interface {
	Len() int
	Load32(off uint32) (uint32, error)
	Store32(off uint32, v uint32) error
}

type Space struct {
	w    Window
	size uint32
}

func New(w Window) *Space {
	return &Space{
		w:    w,
		size: uint32(w.Len()) &^ 3,
	}
}

func (s *Space) Size() uint32 { return s.size }

func (s *Space) Valid(off uint32) bool {
	return off < s.size && off%4 == 0
}

func (s *Space) check(off uint32) error {
	if !s.Valid(off) {
		return fmt.Errorf("%#x: %w", off, ErrInvalidOffset)
	}
	return nil
}

func (s *Space) Read32(off uint32) (uint32, error) {
	if err := s.check(off); err != nil {
		return 0, err
	}
	v, err := s.w.Load32(off)
	if err != nil {
		return 0, fmt.Errorf("read %#x: %w", off, err)
	}
	return v, nil
}

// Write32 stores v at off. The store is complete and ordered before any
// subsequent access when Write32 returns.
func (s *Space) Write32(off uint32, v uint32) error {
	if err := s.check(off); err != nil {
		return err
	}
	if err := s.w.Store32(off, v); err != nil {
		return fmt.Errorf("write %#x: %w", off, err)
	}
	return nil
}

// Modify32 clears then sets bits of a register.
func (s *Space) Modify32(off uint32, clear, set uint32) error {
	v, err := s.Read32(off)
	if err != nil {
		return err
	}
	return s.Write32(off, v&^clear|set)
}
