// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdma

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/metrics"
)

const (
	MinDepth = 2
	MaxDepth = 1024

	MaxPSN = 1<<24 - 1

	cqeSize = 4
	rqeSize = 256
)

type QPConfig struct {
	QPID    uint32
	DstQPID uint32
	PD      *ProtectionDomain
	// Consumer index doorbell addresses, see dmabuf.Doorbells.
	CQDoorbell uint64
	RQDoorbell uint64
	Depth      int
	Location   dmabuf.Location
	DstMAC     net.HardwareAddr
	DstIP      net.IP
	PKey       uint16
	// Remote key presented by operations on this queue pair.
	RKey uint32
}

type QueuePair struct {
	QPConfig

	e          *Engine
	sq, cq, rq *dmabuf.Buffer

	mu        sync.Mutex
	sqPSN     uint32
	rqPSN     uint32
	sqPSNSet  bool
	rqPSNSet  bool
	posted    uint64
	staged    int
	completed uint64
	busy      []bool
	closed    bool
}

func validDepth(depth int) bool {
	return depth >= MinDepth && depth <= MaxDepth && depth&(depth-1) == 0
}

func (qp *QueuePair) String() string {
	return "qp" + strconv.FormatUint(uint64(qp.QPID), 10)
}

// AllocateQP creates a queue pair with rings of the given depth in the
// given memory and programs it into the engine.
func (e *Engine) AllocateQP(cfg QPConfig) (*QueuePair, error) {
	if !validDepth(cfg.Depth) {
		return nil, fmt.Errorf("qp%d depth %d: %w", cfg.QPID, cfg.Depth,
			ErrInvalidDepth)
	}
	if cfg.QPID == 0 || cfg.QPID > uint32(e.cfg.NumQP) {
		return nil, fmt.Errorf("qp%d of %d: %w", cfg.QPID, e.cfg.NumQP,
			ErrInvalidQP)
	}
	if cfg.DstQPID > MaxPSN {
		return nil, fmt.Errorf("destination qp%d: %w", cfg.DstQPID,
			ErrInvalidQP)
	}
	if cfg.PD == nil || cfg.PD.e != e {
		return nil, fmt.Errorf("qp%d: %w", cfg.QPID, ErrInvalidPD)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, found := e.qps[cfg.QPID]; found {
		return nil, fmt.Errorf("qp%d: %w", cfg.QPID, ErrQPExists)
	}
	qp := &QueuePair{
		QPConfig: cfg,
		e:        e,
		busy:     make([]bool, cfg.Depth),
	}
	if err := qp.allocate(); err != nil {
		qp.releaseRings()
		return nil, err
	}
	if err := qp.program(); err != nil {
		qp.releaseRings()
		return nil, err
	}
	e.qps[cfg.QPID] = qp
	return qp, nil
}

func (qp *QueuePair) allocate() (err error) {
	a := qp.e.alloc
	n := uint64(qp.Depth)
	if qp.sq, err = a.Allocate(n*WQESize, qp.Location); err != nil {
		return
	}
	if qp.cq, err = a.Allocate(n*cqeSize, qp.Location); err != nil {
		return
	}
	qp.rq, err = a.Allocate(n*rqeSize, qp.Location)
	return
}

func (qp *QueuePair) releaseRings() error {
	var errs []error
	for _, buf := range []*dmabuf.Buffer{qp.sq, qp.cq, qp.rq} {
		if buf != nil && !buf.Released() {
			if err := buf.Release(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (qp *QueuePair) reg(r uint32) uint32 { return QpReg(qp.QPID, r) }

func (qp *QueuePair) program() error {
	lsb, msb := MacRegs(qp.DstMAC)
	depth := uint32(qp.Depth)
	return qp.e.writes(
		qp.reg(QpConf), 0,
		qp.reg(RqBa), lo(qp.rq.DMAAddr()),
		qp.reg(RqBaMsb), hi(qp.rq.DMAAddr()),
		qp.reg(SqBa), lo(qp.sq.DMAAddr()),
		qp.reg(SqBaMsb), hi(qp.sq.DMAAddr()),
		qp.reg(CqBa), lo(qp.cq.DMAAddr()),
		qp.reg(CqBaMsb), hi(qp.cq.DMAAddr()),
		qp.reg(RqWptrDbAdd), lo(qp.RQDoorbell),
		qp.reg(RqWptrDbAddMsb), hi(qp.RQDoorbell),
		qp.reg(CqDbAdd), lo(qp.CQDoorbell),
		qp.reg(CqDbAddMsb), hi(qp.CQDoorbell),
		qp.reg(QDepth), depth<<16|depth,
		qp.reg(QpAdvConf), uint32(qp.PKey)<<qpAdvPKeyShift|
			defaultTTL<<qpAdvTTLShift,
		qp.reg(DestQpConf), qp.DstQPID,
		qp.reg(MacDesAddLsb), lsb,
		qp.reg(MacDesAddMsb), msb,
		qp.reg(IpDesAddr1), IPReg(qp.DstIP),
		qp.reg(PdNum), qp.PD.ID,
		qp.reg(SqPi), 0,
		qp.reg(QpConf), qpConfEnable|qpConfCqeWrite|
			pmtu4096<<qpConfPmtuShift|rqeSize<<qpConfRqBufShift,
	)
}

// SQ, CQ and RQ return the queue pair's rings.
func (qp *QueuePair) SQ() *dmabuf.Buffer { return qp.sq }
func (qp *QueuePair) CQ() *dmabuf.Buffer { return qp.cq }
func (qp *QueuePair) RQ() *dmabuf.Buffer { return qp.rq }

// PSN returns the configured send and receive packet sequence numbers.
func (qp *QueuePair) PSN() (sq, rq uint32) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.sqPSN, qp.rqPSN
}

// NextSlot returns the send queue slot of the next Submit.
func (qp *QueuePair) NextSlot() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return int((qp.posted + uint64(qp.staged)) % uint64(qp.Depth))
}

// Outstanding returns the number of entries posted and not yet completed.
func (qp *QueuePair) Outstanding() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return int(qp.posted - qp.completed)
}

func (e *Engine) configPSN(qp *QueuePair, psn uint32, reg uint32,
	rq bool) error {
	if psn > MaxPSN {
		return fmt.Errorf("%s psn %#x: %w", qp, psn, ErrInvalidPSN)
	}
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return fmt.Errorf("%s: %w", qp, ErrClosed)
	}
	if err := e.write(qp.reg(reg), psn); err != nil {
		return err
	}
	if rq {
		qp.rqPSN, qp.rqPSNSet = psn, true
	} else {
		qp.sqPSN, qp.sqPSNSet = psn, true
	}
	return nil
}

// ConfigSQPSN sets the first packet sequence number sent by qp.
func (e *Engine) ConfigSQPSN(qp *QueuePair, psn uint32) error {
	return e.configPSN(qp, psn, SqPsn, false)
}

// ConfigRQPSN sets the packet sequence number qp expects to receive next.
func (e *Engine) ConfigRQPSN(qp *QueuePair, psn uint32) error {
	return e.configPSN(qp, psn, LstRqReq, true)
}

// Submit stages w in qp's send queue. Entries are staged in slot order and
// a slot is reused only after the hardware completed its previous entry.
func (qp *QueuePair) Submit(w WQE) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return fmt.Errorf("%s: %w", qp, ErrClosed)
	}
	if w.QPID != 0 && w.QPID != qp.QPID {
		return fmt.Errorf("%s: wqe for qp%d: %w", qp, w.QPID,
			ErrInvalidQP)
	}
	if w.Slot < 0 || w.Slot >= qp.Depth {
		return fmt.Errorf("%s slot %d of %d: %w", qp, w.Slot, qp.Depth,
			ErrInvalidSlot)
	}
	if qp.busy[w.Slot] {
		return fmt.Errorf("%s slot %d: %w", qp, w.Slot, ErrSlotBusy)
	}
	pending := qp.posted + uint64(qp.staged) - qp.completed
	if pending >= uint64(qp.Depth-1) {
		return fmt.Errorf("%s: %d pending: %w", qp, pending, ErrQueueFull)
	}
	next := int((qp.posted + uint64(qp.staged)) % uint64(qp.Depth))
	if w.Slot != next {
		return fmt.Errorf("%s slot %d, want %d: %w", qp, w.Slot, next,
			ErrInvalidSlot)
	}
	b := w.Bytes()
	off := uint64(w.Slot) * WQESize
	if qp.sq.Location() == dmabuf.Host {
		copy(qp.sq.Bytes()[off:], b)
	} else if t := qp.e.xfer; t == nil {
		return fmt.Errorf("%s: %w", qp, ErrNoTransport)
	} else if err := t.Write(qp.sq.DMAAddr()+off, b); err != nil {
		return fmt.Errorf("%s stage: %w", qp, deviceErr(err))
	}
	qp.busy[w.Slot] = true
	qp.staged++
	return nil
}

// reap retires the entries the hardware completed since the last call.
func (qp *QueuePair) reap() (int, error) {
	v, err := qp.e.space.Read32(qp.reg(CqHead))
	if err != nil {
		return 0, deviceErr(err)
	}
	depth := uint64(qp.Depth)
	head := uint64(v) % depth
	n := (head + depth - qp.completed%depth) % depth
	if n > qp.posted-qp.completed {
		return 0, fmt.Errorf("%s: cq head %d beyond %d posted: %w", qp,
			v, qp.posted, ErrDevice)
	}
	for i := uint64(0); i < n; i++ {
		qp.busy[(qp.completed+i)%depth] = false
	}
	qp.completed += n
	return int(n), nil
}

// Reap retires completed entries and returns how many completed.
func (qp *QueuePair) Reap() (int, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return 0, fmt.Errorf("%s: %w", qp, ErrClosed)
	}
	return qp.reap()
}

// PostSend hands qp's staged entries to the hardware by advancing the send
// queue producer index.
func (e *Engine) PostSend(qp *QueuePair) error {
	err := e.postSend(qp)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPSNNotConfigured):
		outcome = "psn"
	case errors.Is(err, ErrQueueFull):
		outcome = "full"
	default:
		outcome = "error"
	}
	metrics.Or(e.Metrics).Posts.WithLabelValues(qp.String(), outcome).Inc()
	return err
}

func (e *Engine) postSend(qp *QueuePair) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return fmt.Errorf("%s: %w", qp, ErrClosed)
	}
	if !qp.sqPSNSet || !qp.rqPSNSet {
		return fmt.Errorf("%s: %w", qp, ErrPSNNotConfigured)
	}
	if qp.staged == 0 {
		return fmt.Errorf("%s: %w", qp, ErrNothingStaged)
	}
	st, err := e.space.Read32(qp.reg(StatQp))
	if err != nil {
		return fmt.Errorf("%s: %w", qp, deviceErr(err))
	}
	if st&statQPFatal != 0 {
		return fmt.Errorf("%s status %#x: %w", qp, st, ErrDevice)
	}
	if st&statQPSqFull != 0 {
		return fmt.Errorf("%s status %#x: %w", qp, st, ErrQueueFull)
	}
	if _, err = qp.reap(); err != nil {
		return err
	}
	pi := (qp.posted + uint64(qp.staged)) % uint64(qp.Depth)
	if err = e.write(qp.reg(SqPi), uint32(pi)); err != nil {
		return fmt.Errorf("%s: %w", qp, err)
	}
	qp.posted += uint64(qp.staged)
	qp.staged = 0
	return nil
}

// Registers reads qp's control and status registers.
func (qp *QueuePair) Registers() ([]Register, error) {
	regs := []Register{
		{Name: "QPCONF", Offset: qp.reg(QpConf)},
		{Name: "QPADVCONF", Offset: qp.reg(QpAdvConf)},
		{Name: "RQBA", Offset: qp.reg(RqBa)},
		{Name: "SQBA", Offset: qp.reg(SqBa)},
		{Name: "CQBA", Offset: qp.reg(CqBa)},
		{Name: "RQWPTRDBADD", Offset: qp.reg(RqWptrDbAdd)},
		{Name: "CQDBADD", Offset: qp.reg(CqDbAdd)},
		{Name: "CQHEAD", Offset: qp.reg(CqHead)},
		{Name: "RQCI", Offset: qp.reg(RqCi)},
		{Name: "SQPI", Offset: qp.reg(SqPi)},
		{Name: "QDEPTH", Offset: qp.reg(QDepth)},
		{Name: "SQPSN", Offset: qp.reg(SqPsn)},
		{Name: "LSTRQREQ", Offset: qp.reg(LstRqReq)},
		{Name: "DESTQPCONF", Offset: qp.reg(DestQpConf)},
		{Name: "MACDESADDLSB", Offset: qp.reg(MacDesAddLsb)},
		{Name: "MACDESADDMSB", Offset: qp.reg(MacDesAddMsb)},
		{Name: "IPDESADDR1", Offset: qp.reg(IpDesAddr1)},
		{Name: "STATSSN", Offset: qp.reg(StatSsn)},
		{Name: "STATMSN", Offset: qp.reg(StatMsn)},
		{Name: "STATQP", Offset: qp.reg(StatQp)},
		{Name: "STATCURSQPTR", Offset: qp.reg(StatCurSqPtr)},
		{Name: "STATRESPPSN", Offset: qp.reg(StatRespPsn)},
	}
	return qp.e.dump(regs)
}

// Close disables the queue pair and releases its rings.
func (qp *QueuePair) Close() error {
	qp.mu.Lock()
	if qp.closed {
		qp.mu.Unlock()
		return nil
	}
	qp.closed = true
	qp.mu.Unlock()

	e := qp.e
	e.mu.Lock()
	delete(e.qps, qp.QPID)
	e.mu.Unlock()

	var errs []error
	if err := e.write(qp.reg(QpConf), 0); err != nil {
		errs = append(errs, err)
	}
	if err := qp.releaseRings(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
