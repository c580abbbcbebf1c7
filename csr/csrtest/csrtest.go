// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package csrtest simulates a register window for tests.
package csrtest

import (
	"sync"

	"github.com/platinasystems/reconic/csr"
)

type Write struct {
	Off, Val uint32
}

// Window is a sparse register file. Unwritten registers read zero.
type Window struct {
	mu     sync.Mutex
	size   int
	regs   map[uint32]uint32
	clear  map[uint32]int
	pend   map[uint32]int
	onRead map[uint32]func(n int) uint32
	onWr   map[uint32]func(v uint32)
	faults map[uint32]error
	reads  map[uint32]int
	log    []Write
}

func New(size int) *Window {
	return &Window{
		size:   size,
		regs:   make(map[uint32]uint32),
		clear:  make(map[uint32]int),
		pend:   make(map[uint32]int),
		onRead: make(map[uint32]func(int) uint32),
		onWr:   make(map[uint32]func(uint32)),
		faults: make(map[uint32]error),
		reads:  make(map[uint32]int),
	}
}

// Space returns a validated register space over the window.
func (w *Window) Space() *csr.Space { return csr.New(w) }

func (w *Window) Len() int { return w.size }

func (w *Window) Load32(off uint32) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads[off]++
	if err := w.faults[off]; err != nil {
		return 0, err
	}
	if f := w.onRead[off]; f != nil {
		return f(w.reads[off]), nil
	}
	if n, found := w.pend[off]; found {
		if n == 0 {
			delete(w.pend, off)
			w.regs[off] = 0
		} else if n > 0 {
			w.pend[off] = n - 1
		}
	}
	return w.regs[off], nil
}

func (w *Window) Store32(off uint32, v uint32) error {
	w.mu.Lock()
	if err := w.faults[off]; err != nil {
		w.mu.Unlock()
		return err
	}
	w.log = append(w.log, Write{off, v})
	w.regs[off] = v
	if n, found := w.clear[off]; found {
		w.pend[off] = n
	}
	f := w.onWr[off]
	w.mu.Unlock()
	if f != nil {
		f(v)
	}
	return nil
}

// Set a register without logging a write.
func (w *Window) Set(off, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regs[off] = v
}

// Get a register without counting a read.
func (w *Window) Get(off uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regs[off]
}

// SelfClear makes off read back each written value for polls reads and zero
// afterwards. A negative polls never clears.
func (w *Window) SelfClear(off uint32, polls int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear[off] = polls
}

// OnRead replaces reads of off with f, given the 1-based read count.
func (w *Window) OnRead(off uint32, f func(n int) uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRead[off] = f
}

// OnWrite calls f after each write to off.
func (w *Window) OnWrite(off uint32, f func(v uint32)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWr[off] = f
}

// Fault makes every access of off fail with err; nil removes the fault.
func (w *Window) Fault(off uint32, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.faults, off)
	} else {
		w.faults[off] = err
	}
}

func (w *Window) Reads(off uint32) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reads[off]
}

// Log returns all writes in order.
func (w *Window) Log() []Write {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Write(nil), w.log...)
}

// Written returns the values written to off in order.
func (w *Window) Written(off uint32) (vals []uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, x := range w.log {
		if x.Off == off {
			vals = append(vals, x.Val)
		}
	}
	return
}
