// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package dmabuf allocates DMA buffers in host memory or in the card's
// device memory.
//
// Host buffers are pinned pages the CPU can touch; device buffers are only
// bus addresses. A fixed address range identifies device memory so any DMA
// address can be classified without asking the allocator.
package dmabuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/platinasystems/log"

	"github.com/platinasystems/reconic/internal/metrics"
)

var (
	ErrAlloc    = errors.New("dma allocation failed")
	ErrReleased = errors.New("buffer already released")
)

const (
	DefaultDeviceBase = 0xA350000000
	DefaultDeviceSize = 4 << 30

	PageSize = 4096
)

type Location int

const (
	Host Location = iota
	Device
)

func (l Location) String() string {
	if l == Device {
		return "device"
	}
	return "host"
}

func ParseLocation(s string) (Location, error) {
	switch s {
	case "host", "":
		return Host, nil
	case "device", "dev":
		return Device, nil
	}
	return Host, fmt.Errorf("%s: unknown location", s)
}

func (l *Location) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	x, err := ParseLocation(s)
	if err == nil {
		*l = x
	}
	return err
}

// AddressMap partitions bus addresses into device memory and host memory.
type AddressMap struct {
	DeviceBase uint64 `yaml:"device_base"`
	DeviceSize uint64 `yaml:"device_size"`
}

func DefaultAddressMap() AddressMap {
	return AddressMap{
		DeviceBase: DefaultDeviceBase,
		DeviceSize: DefaultDeviceSize,
	}
}

func (m AddressMap) IsDevice(addr uint64) bool {
	return addr >= m.DeviceBase && addr-m.DeviceBase < m.DeviceSize
}

func (m AddressMap) Classify(addr uint64) Location {
	if m.IsDevice(addr) {
		return Device
	}
	return Host
}

// HostMemory pins host pages and resolves their bus address. Returned
// memory must be physically contiguous.
type HostMemory interface {
	Alloc(size uint64) (mem []byte, dma uint64, err error)
	Free(mem []byte) error
}

// Buffer is a DMA buffer owned by exactly one holder until Release.
type Buffer struct {
	a        *Allocator
	loc      Location
	size     uint64
	dma      uint64
	mem      []byte
	released bool
}

func (b *Buffer) Location() Location { return b.loc }
func (b *Buffer) Size() uint64       { return b.size }
func (b *Buffer) DMAAddr() uint64    { return b.dma }

// Owner returns the allocator the buffer came from.
func (b *Buffer) Owner() *Allocator { return b.a }

// Bytes returns the CPU view of a host buffer, nil for device buffers and
// released buffers.
func (b *Buffer) Bytes() []byte {
	if b.loc != Host || b.Released() {
		return nil
	}
	return b.mem[:b.size]
}

func (b *Buffer) Released() bool {
	b.a.mu.Lock()
	defer b.a.mu.Unlock()
	return b.released
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s %d@%#x", b.loc, b.size, b.dma)
}

// Release returns the buffer's memory. It fails without effect if the
// buffer was already released.
func (b *Buffer) Release() error {
	return b.a.release(b)
}

type Usage struct {
	Buffers     int
	HostBytes   uint64
	DeviceBytes uint64
}

type Allocator struct {
	Metrics *metrics.Metrics

	amap AddressMap
	host HostMemory

	mu    sync.Mutex
	dev   *Arena
	live  map[*Buffer]struct{}
	usage Usage
}

func New(amap AddressMap, host HostMemory) *Allocator {
	return &Allocator{
		amap: amap,
		host: host,
		dev:  NewArena(amap.DeviceBase, amap.DeviceSize, PageSize),
		live: make(map[*Buffer]struct{}),
	}
}

func (a *Allocator) AddressMap() AddressMap { return a.amap }

func (a *Allocator) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func pageRound(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Allocate a buffer of size bytes in loc.
func (a *Allocator) Allocate(size uint64, loc Location) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%s zero length: %w", loc, ErrAlloc)
	}
	b := &Buffer{a: a, loc: loc, size: size}
	switch loc {
	case Host:
		if a.host == nil {
			return nil, fmt.Errorf("no host memory: %w", ErrAlloc)
		}
		mem, dma, err := a.host.Alloc(pageRound(size))
		if err != nil {
			return nil, fmt.Errorf("host %d: %v: %w", size, err,
				ErrAlloc)
		}
		if a.amap.IsDevice(dma) || a.amap.IsDevice(dma+size-1) {
			a.host.Free(mem)
			return nil, fmt.Errorf("host %#x in device range: %w",
				dma, ErrAlloc)
		}
		b.mem, b.dma = mem, dma
	case Device:
		a.mu.Lock()
		dma, err := a.dev.Alloc(pageRound(size))
		a.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("device: %w", err)
		}
		b.dma = dma
	default:
		return nil, fmt.Errorf("location %d: %w", loc, ErrAlloc)
	}
	a.mu.Lock()
	a.live[b] = struct{}{}
	a.account(b, 1)
	a.mu.Unlock()
	return b, nil
}

func (a *Allocator) account(b *Buffer, sign int) {
	n := b.size
	if sign < 0 {
		a.usage.Buffers--
	} else {
		a.usage.Buffers++
	}
	if b.loc == Device {
		if sign < 0 {
			a.usage.DeviceBytes -= n
		} else {
			a.usage.DeviceBytes += n
		}
	} else {
		if sign < 0 {
			a.usage.HostBytes -= n
		} else {
			a.usage.HostBytes += n
		}
	}
	metrics.Or(a.Metrics).Buffers.WithLabelValues(b.loc.String()).
		Add(float64(sign) * float64(n))
}

func (a *Allocator) release(b *Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.released {
		return fmt.Errorf("%s: %w", b, ErrReleased)
	}
	b.released = true
	delete(a.live, b)
	a.account(b, -1)
	if b.loc == Device {
		return a.dev.Free(b.dma)
	}
	mem := b.mem
	b.mem = nil
	return a.host.Free(mem)
}

// Owns reports whether b came from this allocator and is still held.
func (a *Allocator) Owns(b *Buffer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, found := a.live[b]
	return found
}

// Close releases buffers still held, logging each as a leak.
func (a *Allocator) Close() error {
	a.mu.Lock()
	leaked := make([]*Buffer, 0, len(a.live))
	for b := range a.live {
		leaked = append(leaked, b)
	}
	a.mu.Unlock()
	var errs []error
	for _, b := range leaked {
		log.Print("warn", "leaked dma buffer ", b)
		if err := b.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
