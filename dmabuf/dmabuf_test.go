// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmabuf

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simBase = 0x1_0000_0000

func newTest() (*Allocator, *SimHost) {
	host := NewSimHost(simBase)
	return New(DefaultAddressMap(), host), host
}

func TestClassify(t *testing.T) {
	m := DefaultAddressMap()
	for _, x := range []struct {
		addr uint64
		want Location
	}{
		{0, Host},
		{simBase, Host},
		{DefaultDeviceBase - 1, Host},
		{DefaultDeviceBase, Device},
		{DefaultDeviceBase + DefaultDeviceSize - 1, Device},
		{DefaultDeviceBase + DefaultDeviceSize, Host},
		{^uint64(0), Host},
	} {
		assert.Equal(t, x.want, m.Classify(x.addr), "%#x", x.addr)
		assert.Equal(t, x.want == Device, m.IsDevice(x.addr))
	}
}

func TestAllocatePartition(t *testing.T) {
	a, _ := newTest()
	m := a.AddressMap()
	for _, size := range []uint64{1, 64, 4096, 4097, 1 << 20} {
		h, err := a.Allocate(size, Host)
		require.NoError(t, err)
		assert.Equal(t, Host, m.Classify(h.DMAAddr()))
		assert.Len(t, h.Bytes(), int(size))
		assert.Equal(t, Host, h.Location())

		d, err := a.Allocate(size, Device)
		require.NoError(t, err)
		assert.Equal(t, Device, m.Classify(d.DMAAddr()))
		assert.Equal(t, Device, m.Classify(d.DMAAddr()+size-1))
		assert.Nil(t, d.Bytes())
		assert.Zero(t, d.DMAAddr()%PageSize)
		assert.Same(t, a, d.Owner())
	}
}

type badHost struct{ *SimHost }

func (h badHost) Alloc(size uint64) ([]byte, uint64, error) {
	mem, _, err := h.SimHost.Alloc(size)
	return mem, DefaultDeviceBase + 0x1000, err
}

func TestHostInDeviceRange(t *testing.T) {
	host := badHost{NewSimHost(0)}
	a := New(DefaultAddressMap(), host)
	_, err := a.Allocate(4096, Host)
	assert.True(t, errors.Is(err, ErrAlloc))
	assert.Zero(t, host.Held())
	assert.Zero(t, a.Usage().Buffers)
}

func TestReleaseOnce(t *testing.T) {
	a, host := newTest()
	b, err := a.Allocate(8192, Host)
	require.NoError(t, err)
	d, err := a.Allocate(8192, Device)
	require.NoError(t, err)
	assert.Equal(t, Usage{2, 8192, 8192}, a.Usage())

	require.NoError(t, b.Release())
	require.NoError(t, d.Release())
	assert.True(t, errors.Is(b.Release(), ErrReleased))
	assert.True(t, errors.Is(d.Release(), ErrReleased))
	assert.Nil(t, b.Bytes())
	assert.Equal(t, Usage{}, a.Usage())
	assert.Zero(t, host.Held())
	assert.False(t, a.Owns(b))
}

func TestAllocateErrors(t *testing.T) {
	a, _ := newTest()
	_, err := a.Allocate(0, Host)
	assert.True(t, errors.Is(err, ErrAlloc))
	_, err = a.Allocate(DefaultDeviceSize+1, Device)
	assert.True(t, errors.Is(err, ErrAlloc))
	_, err = New(DefaultAddressMap(), nil).Allocate(1, Host)
	assert.True(t, errors.Is(err, ErrAlloc))
}

func TestArena(t *testing.T) {
	a := NewArena(0x10000, 0x4000, 0x1000)
	x, err := a.Alloc(1)
	require.NoError(t, err)
	y, err := a.Alloc(0x1001)
	require.NoError(t, err)
	z, err := a.Alloc(0x1000)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x10000, 0x11000, 0x13000}, []uint64{x, y, z})
	_, err = a.Alloc(0x1000)
	assert.True(t, errors.Is(err, ErrAlloc))

	require.NoError(t, a.Free(y))
	require.NoError(t, a.Free(x))
	assert.Error(t, a.Free(x))
	w, err := a.Alloc(0x3000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), w)
	require.NoError(t, a.Free(z))
	require.NoError(t, a.Free(w))
	assert.Zero(t, a.InUse())
	assert.Equal(t, []span{{0x10000, 0x4000}}, a.free)
}

func TestDoorbells(t *testing.T) {
	a, _ := newTest()
	d, err := a.Doorbells(8)
	require.NoError(t, err)
	assert.Equal(t, d.CQBase()+32, d.RQBase())
	b := d.Buffer().Bytes()
	binary.LittleEndian.PutUint32(b[4*1:], 7)
	binary.LittleEndian.PutUint32(b[32+4*1:], 9)
	assert.Equal(t, uint32(7), d.CQ(1))
	assert.Equal(t, uint32(9), d.RQ(1))
	assert.Zero(t, d.CQ(8))
	binary.LittleEndian.PutUint32(b[4*7:], 5)
	assert.Equal(t, uint32(5), d.CQ(7))
	assert.Zero(t, d.RQ(-1))
	assert.Zero(t, d.RQ(8))
	assert.Zero(t, d.CQ(-1))
	require.NoError(t, d.Release())
	assert.Zero(t, d.CQ(1))
	_, err = a.Doorbells(0)
	assert.True(t, errors.Is(err, ErrAlloc))
}

func TestClose(t *testing.T) {
	a, host := newTest()
	_, err := a.Allocate(100, Host)
	require.NoError(t, err)
	_, err = a.Allocate(100, Device)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Zero(t, host.Held())
	assert.Equal(t, Usage{}, a.Usage())
}

func TestParseLocation(t *testing.T) {
	l, err := ParseLocation("device")
	require.NoError(t, err)
	assert.Equal(t, Device, l)
	_, err = ParseLocation("gpu")
	assert.Error(t, err)
}
