// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdma

// RDMA engine register blocks, absolute BAR offsets.
const (
	MrTableBase = 0x40000
	MrStride    = 0x100
	MaxMR       = 0x100

	GcsrBase = 0x60000

	QpBase   = 0x60200
	QpStride = 0x100
)

// Global control and status registers relative to GcsrBase.
const (
	XrnicConf       = 0x000
	XrnicAdConf     = 0x004
	MacXAddLsb      = 0x010
	MacXAddMsb      = 0x014
	ErrBufBa        = 0x060
	ErrBufBaMsb     = 0x064
	ErrBufSz        = 0x068
	ErrBufWptr      = 0x06C
	Ipv4XAdd        = 0x070
	IpktErrQBa      = 0x088
	IpktErrQBaMsb   = 0x08C
	IpktErrQSz      = 0x090
	IpktErrQWptr    = 0x094
	RespErrPktBa    = 0x0A0
	RespErrPktBaMsb = 0x0A4
	RespErrSz       = 0x0A8
	RespErrSzMsb    = 0x0AC
	DatBufBa        = 0x0B0
	DatBufBaMsb     = 0x0B4
	DatBufSz        = 0x0B8
	InSrRPktCnt     = 0x100
	InAmPktCnt      = 0x104
	OutIoPktCnt     = 0x108
	OutAmPktCnt     = 0x10C
	InNakPktCnt     = 0x134
	OutNakPktCnt    = 0x138
	RetryCntSts     = 0x140
)

const (
	xrnicEnable     = 1 << 0
	xrnicNumQPShift = 8
	xrnicUDPShift   = 16
)

// Memory region table entry registers relative to the entry.
const (
	MrPdNum       = 0x00
	MrVirtAddrLsb = 0x04
	MrVirtAddrMsb = 0x08
	MrBufBaseLsb  = 0x0C
	MrBufBaseMsb  = 0x10
	MrBufRkey     = 0x14
	MrWrRdBufLen  = 0x18
	MrAccessDesc  = 0x1C
)

// Per queue pair registers relative to the queue pair's block.
const (
	QpConf         = 0x00
	QpAdvConf      = 0x04
	RqBa           = 0x08
	SqBa           = 0x10
	CqBa           = 0x18
	RqWptrDbAdd    = 0x20
	RqWptrDbAddMsb = 0x24
	CqDbAdd        = 0x28
	CqDbAddMsb     = 0x2C
	CqHead         = 0x30
	RqCi           = 0x34
	SqPi           = 0x38
	QDepth         = 0x3C
	SqPsn          = 0x40
	LstRqReq       = 0x44
	DestQpConf     = 0x48
	MacDesAddLsb   = 0x50
	MacDesAddMsb   = 0x54
	IpDesAddr1     = 0x60
	StatSsn        = 0x80
	StatMsn        = 0x84
	StatQp         = 0x88
	StatCurSqPtr   = 0x8C
	StatRespPsn    = 0x90
	PdNum          = 0xB0
	RqBaMsb        = 0xC0
	SqBaMsb        = 0xC8
	CqBaMsb        = 0xD0
)

const (
	qpConfEnable     = 1 << 0
	qpConfCqeWrite   = 1 << 5
	qpConfPmtuShift  = 8
	qpConfRqBufShift = 16
	pmtu4096         = 4

	qpAdvTTLShift  = 8
	qpAdvPKeyShift = 16
	defaultTTL     = 64

	statQPFatal  = 1 << 0
	statQPSqFull = 1 << 9
)

// QpReg returns the absolute offset of a queue pair register.
func QpReg(qpid uint32, reg uint32) uint32 {
	return QpBase + QpStride*(qpid-1) + reg
}

// MrReg returns the absolute offset of a memory region table register.
func MrReg(index uint32, reg uint32) uint32 {
	return MrTableBase + MrStride*index + reg
}

func lo(x uint64) uint32 { return uint32(x) }
func hi(x uint64) uint32 { return uint32(x >> 32) }
