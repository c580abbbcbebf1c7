// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdma

import (
	"encoding/binary"
	"fmt"
)

type Opcode uint8

const (
	OpWrite    Opcode = 0x00
	OpWriteImm Opcode = 0x01
	OpSend     Opcode = 0x02
	OpSendImm  Opcode = 0x03
	OpRead     Opcode = 0x04
	OpSendInv  Opcode = 0x0C
)

var opcodeNames = map[Opcode]string{
	OpWrite:    "write",
	OpWriteImm: "write-immediate",
	OpSend:     "send",
	OpSendImm:  "send-immediate",
	OpRead:     "read",
	OpSendInv:  "send-invalidate",
}

func (op Opcode) String() string {
	if s, found := opcodeNames[op]; found {
		return s
	}
	return fmt.Sprintf("opcode(%#x)", uint8(op))
}

// WQESize is the size of a send queue entry.
const WQESize = 64

// Send queue entry layout.
const (
	wqeWRID      = 0
	wqeLocalLo   = 4
	wqeLocalHi   = 8
	wqeLength    = 12
	wqeOpcode    = 16
	wqeRemoteLo  = 20
	wqeRemoteHi  = 24
	wqeRKey      = 28
	wqeImmediate = 32
)

// WQE is a work queue entry describing one RDMA operation.
type WQE struct {
	QPID         uint32
	WRID         uint16
	Slot         int
	LocalAddr    uint64
	Length       uint32
	Opcode       Opcode
	RemoteOffset uint64
	RKey         uint32
	Immediate    uint32
}

// CreateWQE builds, but does not submit, a work queue entry for slot of
// qp's send queue.
func CreateWQE(qp *QueuePair, wrid uint16, slot int, local uint64,
	length uint32, op Opcode, remoteOffset uint64, rkey uint32) WQE {
	w := WQE{
		WRID:         wrid,
		Slot:         slot,
		LocalAddr:    local,
		Length:       length,
		Opcode:       op,
		RemoteOffset: remoteOffset,
		RKey:         rkey,
	}
	if qp != nil {
		w.QPID = qp.QPID
	}
	return w
}

// Encode writes the hardware descriptor into b, which must be at least
// WQESize bytes.
func (w *WQE) Encode(b []byte) {
	_ = b[WQESize-1]
	for i := range b[:WQESize] {
		b[i] = 0
	}
	le := binary.LittleEndian
	le.PutUint32(b[wqeWRID:], uint32(w.WRID))
	le.PutUint32(b[wqeLocalLo:], lo(w.LocalAddr))
	le.PutUint32(b[wqeLocalHi:], hi(w.LocalAddr))
	le.PutUint32(b[wqeLength:], w.Length)
	le.PutUint32(b[wqeOpcode:], uint32(w.Opcode))
	le.PutUint32(b[wqeRemoteLo:], lo(w.RemoteOffset))
	le.PutUint32(b[wqeRemoteHi:], hi(w.RemoteOffset))
	le.PutUint32(b[wqeRKey:], w.RKey)
	le.PutUint32(b[wqeImmediate:], w.Immediate)
}

func (w WQE) Bytes() []byte {
	b := make([]byte, WQESize)
	w.Encode(b)
	return b
}

func (w WQE) String() string {
	return fmt.Sprintf("qp%d wrid %d slot %d %s %d bytes %#x -> %#x rkey %#x",
		w.QPID, w.WRID, w.Slot, w.Opcode, w.Length, w.LocalAddr,
		w.RemoteOffset, w.RKey)
}
