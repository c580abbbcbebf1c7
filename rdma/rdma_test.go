// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdma

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/reconic/csr/csrtest"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/xfer"
)

type rig struct {
	w     *csrtest.Window
	alloc *dmabuf.Allocator
	lb    *xfer.Loopback
	e     *Engine
	db    *dmabuf.Doorbells
	pd    *ProtectionDomain
}

func newRig(t *testing.T) *rig {
	w := csrtest.New(0x400000)
	alloc := dmabuf.New(dmabuf.DefaultAddressMap(),
		dmabuf.NewSimHost(0x1_0000_0000))
	lb := xfer.NewLoopback()
	e, err := Open(w.Space(), alloc, lb, DefaultEngineConfig())
	require.NoError(t, err)
	db, err := alloc.Doorbells(e.Config().NumQP)
	require.NoError(t, err)
	pd, err := e.AllocatePD(0)
	require.NoError(t, err)
	return &rig{w: w, alloc: alloc, lb: lb, e: e, db: db, pd: pd}
}

func (r *rig) qp(t *testing.T, id uint32, depth int,
	loc dmabuf.Location) *QueuePair {
	qp, err := r.e.AllocateQP(QPConfig{
		QPID:       id,
		DstQPID:    2,
		PD:         r.pd,
		CQDoorbell: r.db.CQBase(),
		RQDoorbell: r.db.RQBase(),
		Depth:      depth,
		Location:   loc,
		DstMAC:     net.HardwareAddr{0, 0x0a, 0x35, 0, 0, 2},
		DstIP:      net.IPv4(192, 168, 1, 2),
		PKey:       0xffff,
	})
	require.NoError(t, err)
	return qp
}

func (r *rig) ready(t *testing.T, qp *QueuePair) {
	require.NoError(t, r.e.ConfigRQPSN(qp, 0xabc))
	require.NoError(t, r.e.ConfigSQPSN(qp, 0xabd))
}

func TestOpen(t *testing.T) {
	r := newRig(t)
	w := r.w
	assert.Equal(t, uint32(0x35000001), w.Get(GcsrBase+MacXAddLsb))
	assert.Equal(t, uint32(0x000a), w.Get(GcsrBase+MacXAddMsb))
	assert.Equal(t, uint32(0xC0A80101), w.Get(GcsrBase+Ipv4XAdd))
	assert.Equal(t, uint32(1|8<<8|0xC000<<16), w.Get(GcsrBase+XrnicConf))
	assert.Equal(t, uint32(4096<<16|16), w.Get(GcsrBase+DatBufSz))
	log := w.Log()
	assert.Equal(t, uint32(GcsrBase+XrnicConf), log[len(log)-1].Off)

	cfg := DefaultEngineConfig()
	cfg.IP = "fe80::1"
	_, err := Open(w.Space(), r.alloc, nil, cfg)
	assert.Error(t, err)
	cfg = DefaultEngineConfig()
	cfg.NumQP = 0
	_, err = Open(w.Space(), r.alloc, nil, cfg)
	assert.True(t, errors.Is(err, ErrInvalidQP))
}

func TestAllocateQP(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 64, dmabuf.Host)
	w := r.w
	assert.Equal(t, uint32(0x60300), QpReg(2, QpConf))
	assert.Equal(t, lo(qp.SQ().DMAAddr()), w.Get(QpReg(2, SqBa)))
	assert.Equal(t, hi(qp.SQ().DMAAddr()), w.Get(QpReg(2, SqBaMsb)))
	assert.Equal(t, lo(r.db.RQBase()), w.Get(QpReg(2, RqWptrDbAdd)))
	assert.Equal(t, lo(r.db.CQBase()), w.Get(QpReg(2, CqDbAdd)))
	assert.Equal(t, uint32(64<<16|64), w.Get(QpReg(2, QDepth)))
	assert.Equal(t, uint32(2), w.Get(QpReg(2, DestQpConf)))
	assert.Equal(t, uint32(0xC0A80102), w.Get(QpReg(2, IpDesAddr1)))
	conf := w.Written(QpReg(2, QpConf))
	require.Len(t, conf, 2)
	assert.Zero(t, conf[0])
	assert.NotZero(t, conf[1]&qpConfEnable)
	assert.Equal(t, uint64(64*WQESize), qp.SQ().Size())
	assert.Equal(t, dmabuf.Host, qp.SQ().Location())

	_, err := r.e.AllocateQP(qp.QPConfig)
	assert.True(t, errors.Is(err, ErrQPExists))

	dev := r.qp(t, 3, 8, dmabuf.Device)
	assert.Equal(t, dmabuf.Device,
		r.alloc.AddressMap().Classify(dev.RQ().DMAAddr()))
}

func TestInvalidQP(t *testing.T) {
	r := newRig(t)
	before := r.alloc.Usage()
	cfg := QPConfig{QPID: 2, PD: r.pd, Location: dmabuf.Host}
	for _, depth := range []int{0, 1, 3, 48, 2048, -4} {
		cfg.Depth = depth
		_, err := r.e.AllocateQP(cfg)
		assert.True(t, errors.Is(err, ErrInvalidDepth), "%d", depth)
	}
	cfg.Depth = 16
	for _, id := range []uint32{0, 9} {
		cfg.QPID = id
		_, err := r.e.AllocateQP(cfg)
		assert.True(t, errors.Is(err, ErrInvalidQP), "qp%d", id)
	}
	cfg.QPID = 2
	cfg.PD = nil
	_, err := r.e.AllocateQP(cfg)
	assert.True(t, errors.Is(err, ErrInvalidPD))
	assert.Equal(t, before, r.alloc.Usage())

	_, err = r.e.AllocatePD(0)
	assert.True(t, errors.Is(err, ErrPDExists))
}

func TestQPFaultReleasesRings(t *testing.T) {
	r := newRig(t)
	before := r.alloc.Usage()
	fault := errors.New("fault")
	r.w.Fault(QpReg(4, QDepth), fault)
	_, err := r.e.AllocateQP(QPConfig{QPID: 4, PD: r.pd, Depth: 16})
	assert.True(t, errors.Is(err, ErrDevice))
	assert.True(t, errors.Is(err, fault))
	assert.Equal(t, before, r.alloc.Usage())
}

func TestPSNOrdering(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 64, dmabuf.Host)
	w := CreateWQE(qp, 1, 0, 0x1000, 4096, OpRead, 0x2000, 0x10)
	require.NoError(t, qp.Submit(w))

	err := r.e.PostSend(qp)
	assert.True(t, errors.Is(err, ErrPSNNotConfigured))
	require.NoError(t, r.e.ConfigRQPSN(qp, 0xabc))
	err = r.e.PostSend(qp)
	assert.True(t, errors.Is(err, ErrPSNNotConfigured))
	assert.Equal(t, []uint32{0}, r.w.Written(QpReg(2, SqPi)))

	require.NoError(t, r.e.ConfigSQPSN(qp, 0xabd))
	require.NoError(t, r.e.PostSend(qp))
	assert.Equal(t, []uint32{0, 1}, r.w.Written(QpReg(2, SqPi)))
	assert.Equal(t, uint32(0xabd), r.w.Get(QpReg(2, SqPsn)))
	assert.Equal(t, uint32(0xabc), r.w.Get(QpReg(2, LstRqReq)))
	sq, rq := qp.PSN()
	assert.Equal(t, [2]uint32{0xabd, 0xabc}, [2]uint32{sq, rq})

	err = r.e.ConfigSQPSN(qp, MaxPSN+1)
	assert.True(t, errors.Is(err, ErrInvalidPSN))
	err = r.e.PostSend(qp)
	assert.True(t, errors.Is(err, ErrNothingStaged))
}

func TestWQEEncoding(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 64, dmabuf.Host)
	writes := len(r.w.Log())
	w := CreateWQE(qp, 7, 0, 0x1_2345_6780, 4096, OpRead, 0xA350001000,
		0x10)
	assert.Equal(t, writes, len(r.w.Log()))
	assert.Equal(t, uint32(2), w.QPID)

	b := w.Bytes()
	require.Len(t, b, WQESize)
	le := binary.LittleEndian
	assert.Equal(t, uint32(7), le.Uint32(b[0:]))
	assert.Equal(t, uint32(0x23456780), le.Uint32(b[4:]))
	assert.Equal(t, uint32(0x1), le.Uint32(b[8:]))
	assert.Equal(t, uint32(4096), le.Uint32(b[12:]))
	assert.Equal(t, uint32(OpRead), le.Uint32(b[16:]))
	assert.Equal(t, uint32(0x50001000), le.Uint32(b[20:]))
	assert.Equal(t, uint32(0xA3), le.Uint32(b[24:]))
	assert.Equal(t, uint32(0x10), le.Uint32(b[28:]))
	assert.Equal(t, make([]byte, 28), b[36:])

	require.NoError(t, qp.Submit(w))
	assert.Equal(t, b, qp.SQ().Bytes()[:WQESize])
}

func TestDeviceSQ(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 5, 8, dmabuf.Device)
	r.ready(t, qp)
	for slot := 0; slot < 3; slot++ {
		w := CreateWQE(qp, uint16(slot), slot, 0x1000, 64, OpWrite, 0,
			1)
		require.NoError(t, qp.Submit(w))
		got, err := r.lb.Read(qp.SQ().DMAAddr()+uint64(slot)*WQESize,
			WQESize)
		require.NoError(t, err)
		assert.Equal(t, w.Bytes(), got)
	}
	require.NoError(t, r.e.PostSend(qp))
	assert.Equal(t, uint32(3), r.w.Get(QpReg(5, SqPi)))

	e, err := Open(r.w.Space(), r.alloc, nil, DefaultEngineConfig())
	require.NoError(t, err)
	pd, err := e.AllocatePD(1)
	require.NoError(t, err)
	noxfer, err := e.AllocateQP(QPConfig{QPID: 1, PD: pd, Depth: 4,
		Location: dmabuf.Device})
	require.NoError(t, err)
	err = noxfer.Submit(CreateWQE(noxfer, 0, 0, 0, 1, OpSend, 0, 0))
	assert.True(t, errors.Is(err, ErrNoTransport))
}

func TestQueueFull(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 4, dmabuf.Host)
	r.ready(t, qp)
	submit := func(slot int) error {
		return qp.Submit(CreateWQE(qp, uint16(slot), slot, 0, 8,
			OpWrite, 0, 0))
	}
	for slot := 0; slot < 3; slot++ {
		require.NoError(t, submit(slot))
	}
	assert.True(t, errors.Is(submit(3), ErrQueueFull))
	require.NoError(t, r.e.PostSend(qp))
	assert.Equal(t, 3, qp.Outstanding())
	assert.True(t, errors.Is(submit(3), ErrQueueFull))

	// slot 0 is still owned by the hardware
	assert.True(t, errors.Is(submit(0), ErrSlotBusy))

	r.w.Set(QpReg(2, CqHead), 2)
	n, err := qp.Reap()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, qp.Outstanding())
	assert.True(t, errors.Is(submit(1), ErrInvalidSlot))
	require.NoError(t, submit(3))
	require.NoError(t, submit(0))
	require.NoError(t, r.e.PostSend(qp))
	assert.Equal(t, uint32(1), r.w.Get(QpReg(2, SqPi)))
	assert.Equal(t, 1, qp.NextSlot())

	r.w.Set(QpReg(2, CqHead), 3)
	_, err = qp.Reap()
	require.NoError(t, err)
	r.w.Set(QpReg(2, StatQp), statQPSqFull)
	require.NoError(t, submit(1))
	assert.True(t, errors.Is(r.e.PostSend(qp), ErrQueueFull))
}

func TestSlotRange(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 4, dmabuf.Host)
	for _, slot := range []int{-1, 4, 100} {
		err := qp.Submit(CreateWQE(qp, 0, slot, 0, 8, OpWrite, 0, 0))
		assert.True(t, errors.Is(err, ErrInvalidSlot), "%d", slot)
	}
	err := qp.Submit(CreateWQE(nil, 0, 0, 0, 8, OpWrite, 0, 0))
	assert.NoError(t, err)
	other := CreateWQE(nil, 0, 1, 0, 8, OpWrite, 0, 0)
	other.QPID = 3
	assert.True(t, errors.Is(qp.Submit(other), ErrInvalidQP))
}

func TestDeviceError(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 8, dmabuf.Host)
	r.ready(t, qp)
	require.NoError(t, qp.Submit(CreateWQE(qp, 0, 0, 0, 8, OpSend, 0, 0)))

	r.w.Set(QpReg(2, StatQp), statQPFatal)
	assert.True(t, errors.Is(r.e.PostSend(qp), ErrDevice))
	r.w.Set(QpReg(2, StatQp), 0)

	fault := errors.New("fault")
	r.w.Fault(QpReg(2, SqPi), fault)
	err := r.e.PostSend(qp)
	assert.True(t, errors.Is(err, ErrDevice))
	assert.True(t, errors.Is(err, fault))

	r.w.Fault(QpReg(2, SqPi), nil)
	r.w.Set(QpReg(2, CqHead), 5)
	assert.True(t, errors.Is(r.e.PostSend(qp), ErrDevice))
}

func TestMemoryRegion(t *testing.T) {
	r := newRig(t)
	buf, err := r.alloc.Allocate(4096, dmabuf.Host)
	require.NoError(t, err)
	mr, err := r.e.RegisterMemoryRegion(r.pd, 0x110, buf, AccessAll)
	require.NoError(t, err)
	w := r.w
	assert.Equal(t, lo(buf.DMAAddr()), w.Get(MrReg(0x10, MrBufBaseLsb)))
	assert.Equal(t, uint32(0x110), w.Get(MrReg(0x10, MrBufRkey)))
	assert.Equal(t, uint32(4096), w.Get(MrReg(0x10, MrWrRdBufLen)))
	assert.Equal(t, uint32(AccessAll), w.Get(MrReg(0x10, MrAccessDesc)))

	_, err = r.e.RegisterMemoryRegion(r.pd, 0x10, buf, AccessAll)
	assert.True(t, errors.Is(err, ErrMRExists))
	require.NoError(t, r.e.DeregisterMemoryRegion(mr))
	assert.Zero(t, w.Get(MrReg(0x10, MrAccessDesc)))

	other := dmabuf.New(dmabuf.DefaultAddressMap(), dmabuf.NewSimHost(0))
	foreign, err := other.Allocate(4096, dmabuf.Host)
	require.NoError(t, err)
	_, err = r.e.RegisterMemoryRegion(r.pd, 0x11, foreign, AccessAll)
	assert.True(t, errors.Is(err, ErrForeignBuffer))

	require.NoError(t, buf.Release())
	_, err = r.e.RegisterMemoryRegion(r.pd, 0x12, buf, AccessAll)
	assert.True(t, errors.Is(err, ErrForeignBuffer))
}

func TestClose(t *testing.T) {
	r := newRig(t)
	r.qp(t, 2, 64, dmabuf.Host)
	r.qp(t, 3, 64, dmabuf.Device)
	require.NoError(t, r.db.Release())
	require.NoError(t, r.e.Close())
	assert.Equal(t, dmabuf.Usage{}, r.alloc.Usage())
	assert.Zero(t, r.w.Get(GcsrBase+XrnicConf))
	assert.Zero(t, r.w.Get(QpReg(2, QpConf)))
	_, err := r.e.AllocatePD(3)
	assert.True(t, errors.Is(err, ErrClosed))
	require.NoError(t, r.e.Close())
}

func TestRegisters(t *testing.T) {
	r := newRig(t)
	qp := r.qp(t, 2, 64, dmabuf.Host)
	regs, err := qp.Registers()
	require.NoError(t, err)
	byName := make(map[string]uint32)
	for _, reg := range regs {
		byName[reg.Name] = reg.Value
	}
	assert.Equal(t, uint32(64<<16|64), byName["QDEPTH"])
	counters, err := r.e.Counters()
	require.NoError(t, err)
	assert.Equal(t, "XRNICCONF", counters[0].Name)
}

func TestAddressExchange(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, SendAddress(&b, 0xA350000000))
	assert.Equal(t, []byte{0, 0, 0, 0xA3, 0x50, 0, 0, 0}, b.Bytes())
	addr, err := ReceiveAddress(&b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA350000000), addr)
	_, err = ReceiveAddress(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}
