// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package xfer moves blocks between host memory and card addresses and
// verifies them.
package xfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/platinasystems/reconic/internal/metrics"
)

const DefaultDevice = "/dev/reconic-mm"

// Transport is raw block DMA to and from card addresses.
type Transport interface {
	Write(addr uint64, b []byte) error
	Read(addr uint64, n int) ([]byte, error)
}

// CharDev is a Transport over a DMA engine's memory mapped character
// device where the file offset is the card address.
type CharDev struct {
	Metrics *metrics.Metrics
	f       *os.File
}

func OpenCharDev(path string) (*CharDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &CharDev{f: f}, nil
}

func (c *CharDev) Name() string { return c.f.Name() }

func (c *CharDev) Write(addr uint64, b []byte) error {
	for off := 0; off < len(b); {
		n, err := c.f.WriteAt(b[off:], int64(addr)+int64(off))
		off += n
		if err != nil {
			return fmt.Errorf("%s: write %d@%#x: %v", c.Name(),
				len(b), addr, err)
		}
	}
	metrics.Or(c.Metrics).TransferBytes.WithLabelValues("h2c").
		Add(float64(len(b)))
	return nil
}

func (c *CharDev) Read(addr uint64, n int) ([]byte, error) {
	b := make([]byte, n)
	for off := 0; off < n; {
		i, err := c.f.ReadAt(b[off:], int64(addr)+int64(off))
		off += i
		if err == io.EOF && i > 0 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: read %d@%#x: %v", c.Name(),
				n, addr, err)
		}
	}
	metrics.Or(c.Metrics).TransferBytes.WithLabelValues("c2h").
		Add(float64(n))
	return b, nil
}

func (c *CharDev) Close() error { return c.f.Close() }

// Loopback is a Transport backed by sparse memory. Unwritten bytes read
// zero.
type Loopback struct {
	mu  sync.Mutex
	mem map[uint64]byte
	// Tamper, if set, may modify data read back.
	Tamper func(addr uint64, b []byte)
}

func NewLoopback() *Loopback {
	return &Loopback{mem: make(map[uint64]byte)}
}

func (l *Loopback) Write(addr uint64, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range b {
		l.mem[addr+uint64(i)] = c
	}
	return nil
}

func (l *Loopback) Read(addr uint64, n int) ([]byte, error) {
	l.mu.Lock()
	b := make([]byte, n)
	for i := range b {
		b[i] = l.mem[addr+uint64(i)]
	}
	tamper := l.Tamper
	l.mu.Unlock()
	if tamper != nil {
		tamper(addr, b)
	}
	return b, nil
}

// Pattern fills n bytes with (cycle+i) mod 256.
func Pattern(cycle, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(cycle + i)
	}
	return b
}

type MismatchError struct {
	Offset    int
	Want, Got byte
	// Lengths differ.
	WantLen, GotLen int
}

func (e *MismatchError) Error() string {
	if e.WantLen != e.GotLen {
		return "length " + strconv.Itoa(e.GotLen) + ", want " +
			strconv.Itoa(e.WantLen)
	}
	return fmt.Sprintf("mismatch at offset %d: %#02x, want %#02x",
		e.Offset, e.Got, e.Want)
}

// Verify returns a *MismatchError at the first differing byte.
func Verify(want, got []byte) error {
	if len(want) != len(got) {
		return &MismatchError{
			Offset:  min(len(want), len(got)),
			WantLen: len(want),
			GotLen:  len(got),
		}
	}
	if bytes.Equal(want, got) {
		return nil
	}
	for i := range want {
		if want[i] != got[i] {
			return &MismatchError{
				Offset:  i,
				Want:    want[i],
				Got:     got[i],
				WantLen: len(want),
				GotLen:  len(got),
			}
		}
	}
	return nil
}

// RoundTrip writes data to addr, reads it back and verifies it.
func RoundTrip(t Transport, addr uint64, data []byte) error {
	if err := t.Write(addr, data); err != nil {
		return err
	}
	got, err := t.Read(addr, len(data))
	if err != nil {
		return err
	}
	return Verify(data, got)
}

// Dump writes up to max bytes of want and got side by side, marking
// differences.
func Dump(w io.Writer, want, got []byte, max int) {
	n := min(len(want), len(got), max)
	for i := 0; i < n; i += 16 {
		end := min(i+16, n)
		fmt.Fprintf(w, "%04x:", i)
		for j := i; j < end; j++ {
			fmt.Fprintf(w, " %02x", want[j])
		}
		fmt.Fprint(w, " |")
		for j := i; j < end; j++ {
			mark := " "
			if got[j] != want[j] {
				mark = "*"
			}
			fmt.Fprintf(w, "%s%02x", mark, got[j])
		}
		fmt.Fprintln(w)
	}
}
