// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package csr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/csr/csrtest"
)

func TestInvalidOffset(t *testing.T) {
	w := csrtest.New(0x10000)
	s := w.Space()
	for _, off := range []uint32{0x10000, 0x10004, 0xffffffff, 1, 2, 3,
		0x8002, 0xfffd} {
		_, err := s.Read32(off)
		assert.True(t, errors.Is(err, csr.ErrInvalidOffset), "%#x", off)
		err = s.Write32(off, 1)
		assert.True(t, errors.Is(err, csr.ErrInvalidOffset), "%#x", off)
		assert.Zero(t, w.Reads(off), "%#x", off)
	}
	assert.Empty(t, w.Log())
}

func TestValidOffset(t *testing.T) {
	w := csrtest.New(0x10000)
	s := w.Space()
	for _, off := range []uint32{0, 4, 0x8000, 0xfffc} {
		require.NoError(t, s.Write32(off, off|1))
		v, err := s.Read32(off)
		require.NoError(t, err)
		assert.Equal(t, off|1, v)
	}
}

func TestSizeTruncated(t *testing.T) {
	s := csr.New(csr.Mapped(make([]byte, 10)))
	assert.Equal(t, uint32(8), s.Size())
	_, err := s.Read32(8)
	assert.True(t, errors.Is(err, csr.ErrInvalidOffset))
}

func TestMapped(t *testing.T) {
	mem := make([]byte, 64)
	s := csr.New(csr.Mapped(mem))
	require.NoError(t, s.Write32(8, 0xdeadbeef))
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, mem[8:12])
	v, err := s.Read32(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
}

func TestModify32(t *testing.T) {
	w := csrtest.New(0x100)
	w.Set(0x10, 0xff)
	s := w.Space()
	require.NoError(t, s.Modify32(0x10, 0x0f, 0x100))
	assert.Equal(t, uint32(0x1f0), w.Get(0x10))
}

func TestFault(t *testing.T) {
	fault := errors.New("bus error")
	w := csrtest.New(0x100)
	w.Fault(0x20, fault)
	_, err := w.Space().Read32(0x20)
	assert.True(t, errors.Is(err, fault))
}

func TestLookup(t *testing.T) {
	off, found := csr.Lookup("syscfg_shell_status")
	assert.True(t, found)
	assert.Equal(t, uint32(0x10), off)
	_, found = csr.Lookup("nope")
	assert.False(t, found)
	offs := csr.Offsets()
	require.Len(t, offs, len(csr.Names))
	assert.Equal(t, uint32(0), offs[0])
	for i := 1; i < len(offs); i++ {
		assert.Less(t, offs[i-1], offs[i])
	}
}

func ExampleDescribe() {
	fmt.Println(csr.Describe(0x060000, 0x2))
	fmt.Println(csr.Name(0x1234))
	// Output:
	// [0x00060000] RN_RDMA_GCSR_XRNICCONF: 0x00000002 (2)
	// unknown
}
