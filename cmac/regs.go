// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package cmac

// CMAC registers relative to the port's subsystem base.
const (
	ConfTx1      = 0x000C
	ConfRx1      = 0x0014
	TxFcCtrl1    = 0x0030
	TxFcRfrh1    = 0x0034
	TxFcRfrh2    = 0x0038
	TxFcRfrh3    = 0x003C
	TxFcRfrh4    = 0x0040
	TxFcRfrh5    = 0x0044
	TxFcQnta1    = 0x0048
	TxFcQnta2    = 0x004C
	TxFcQnta3    = 0x0050
	TxFcQnta4    = 0x0054
	TxFcQnta5    = 0x0058
	RxFcCtrl1    = 0x0084
	RxFcCtrl2    = 0x0088
	StatRxStatus = 0x0204
	StatStatus1  = 0x0208

	RsfecConfIndCorrection = 0x1000
	RsfecConfEnable        = 0x107C
)

const (
	confRxEnable  = 0x1
	confTxEnable  = 0x1
	confTxSendRfi = 0x10
	rsfecEnable   = 0x3
	rsfecIndCorr  = 0x7
)

// RxAligned is the StatRxStatus value of a port with all lanes aligned.
const RxAligned = 0x3

// QDMA function registers holding each port's receive queue set and
// indirection table, absolute BAR offsets.
const (
	QdmaFuncBase   = 0x1000
	QdmaFuncStride = 0x1000
	QdmaIndirTable = 0x400
)

// QConf returns the queue configuration register of a port.
func QConf(port int) uint32 {
	return QdmaFuncBase + QdmaFuncStride*uint32(port)
}

// Indir returns the k'th indirection table entry of a port.
func Indir(port, k int) uint32 {
	return QConf(port) + QdmaIndirTable + 4*uint32(k)
}

type fc struct {
	off, val uint32
}

// Pause frame quanta and refresh timers at their maxima on all nine
// priorities, then enable RX and TX flow control.
var flowControl = []fc{
	{RxFcCtrl1, 0x00003DFF},
	{RxFcCtrl2, 0x0001C631},
	{TxFcQnta1, 0xFFFFFFFF},
	{TxFcQnta2, 0xFFFFFFFF},
	{TxFcQnta3, 0xFFFFFFFF},
	{TxFcQnta4, 0xFFFFFFFF},
	{TxFcQnta5, 0x0000FFFF},
	{TxFcRfrh1, 0xFFFFFFFF},
	{TxFcRfrh2, 0xFFFFFFFF},
	{TxFcRfrh3, 0xFFFFFFFF},
	{TxFcRfrh4, 0xFFFFFFFF},
	{TxFcRfrh5, 0x0000FFFF},
	{TxFcCtrl1, 0x000001FF},
}
