// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package rdma is the control plane of the card's RoCEv2 engine: protection
// domains, memory regions, queue pairs and their send queues.
//
// Queue pair rings may live in host or device memory. Work queue entries
// are built in software, staged into the send queue ring and handed to the
// hardware by advancing the send queue producer index.
package rdma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/platinasystems/log"

	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/metrics"
	"github.com/platinasystems/reconic/xfer"
)

var (
	ErrInvalidDepth     = errors.New("invalid queue depth")
	ErrInvalidQP        = errors.New("invalid queue pair")
	ErrQPExists         = errors.New("queue pair exists")
	ErrPDExists         = errors.New("protection domain exists")
	ErrInvalidPD        = errors.New("invalid protection domain")
	ErrInvalidPSN       = errors.New("invalid packet sequence number")
	ErrPSNNotConfigured = errors.New("packet sequence numbers not configured")
	ErrQueueFull        = errors.New("send queue full")
	ErrDevice           = errors.New("rdma device error")
	ErrForeignBuffer    = errors.New("buffer not from this engine's allocator")
	ErrMRExists         = errors.New("memory region exists")
	ErrInvalidSlot      = errors.New("invalid send queue slot")
	ErrSlotBusy         = errors.New("send queue slot busy")
	ErrNothingStaged    = errors.New("no staged work queue entries")
	ErrNoTransport      = errors.New("no transport to device memory")
	ErrClosed           = errors.New("closed")
)

const (
	DefaultUDPSourcePort = 0xC000
	MaxQP                = 256
)

type EngineConfig struct {
	MAC           string `yaml:"mac"`
	IP            string `yaml:"ip"`
	UDPSourcePort uint16 `yaml:"udp_source_port"`
	NumQP         int    `yaml:"num_qp"`
	DataBufSize   int    `yaml:"data_buf_size"`
	DataBufCount  int    `yaml:"data_buf_count"`
	ErrBufSize    int    `yaml:"err_buf_size"`
	ErrBufCount   int    `yaml:"err_buf_count"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MAC:           "00:0a:35:00:00:01",
		IP:            "192.168.1.1",
		UDPSourcePort: DefaultUDPSourcePort,
		NumQP:         8,
		DataBufSize:   4096,
		DataBufCount:  16,
		ErrBufSize:    256,
		ErrBufCount:   64,
	}
}

// Engine is an open RDMA engine.
type Engine struct {
	Metrics *metrics.Metrics

	space *csr.Space
	alloc *dmabuf.Allocator
	xfer  xfer.Transport
	cfg   EngineConfig
	mac   net.HardwareAddr
	ip    net.IP

	mu     sync.Mutex
	pds    map[uint32]*ProtectionDomain
	mrs    map[uint32]*MemoryRegion
	qps    map[uint32]*QueuePair
	bufs   []*dmabuf.Buffer
	closed bool
}

func deviceErr(err error) error {
	return fmt.Errorf("%w: %w", ErrDevice, err)
}

// MacRegs splits a MAC address into its LSB and MSB register values.
func MacRegs(mac net.HardwareAddr) (lsb, msb uint32) {
	if len(mac) != 6 {
		return 0, 0
	}
	lsb = binary.BigEndian.Uint32(mac[2:6])
	msb = uint32(binary.BigEndian.Uint16(mac[0:2]))
	return
}

// IPReg returns the register value of an IPv4 address.
func IPReg(ip net.IP) uint32 {
	if ip4 := ip.To4(); ip4 != nil {
		return binary.BigEndian.Uint32(ip4)
	}
	return 0
}

// Open programs the engine's local addresses and packet buffers then
// enables it. Transport may be nil if no queue pair lives in device
// memory.
func Open(space *csr.Space, alloc *dmabuf.Allocator, t xfer.Transport,
	cfg EngineConfig) (*Engine, error) {
	mac, err := net.ParseMAC(cfg.MAC)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(cfg.IP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%s: not an IPv4 address", cfg.IP)
	}
	if cfg.NumQP <= 0 || cfg.NumQP > MaxQP {
		return nil, fmt.Errorf("%d qps: %w", cfg.NumQP, ErrInvalidQP)
	}
	e := &Engine{
		space: space,
		alloc: alloc,
		xfer:  t,
		cfg:   cfg,
		mac:   mac,
		ip:    ip,
		pds:   make(map[uint32]*ProtectionDomain),
		mrs:   make(map[uint32]*MemoryRegion),
		qps:   make(map[uint32]*QueuePair),
	}
	if err = e.init(); err != nil {
		e.release()
		return nil, err
	}
	log.Print("info", "rdma engine ", mac, " ", ip, " ", cfg.NumQP, " qps")
	return e, nil
}

func (e *Engine) buffer(n, size int) (*dmabuf.Buffer, error) {
	buf, err := e.alloc.Allocate(uint64(n*size), dmabuf.Host)
	if err != nil {
		return nil, err
	}
	e.bufs = append(e.bufs, buf)
	return buf, nil
}

func (e *Engine) write(off, v uint32) error {
	if err := e.space.Write32(off, v); err != nil {
		return deviceErr(err)
	}
	return nil
}

func (e *Engine) writes(regs ...uint32) error {
	for i := 0; i+1 < len(regs); i += 2 {
		if err := e.write(regs[i], regs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) init() error {
	cfg := &e.cfg
	lsb, msb := MacRegs(e.mac)
	data, err := e.buffer(cfg.DataBufCount, cfg.DataBufSize)
	if err != nil {
		return err
	}
	errbuf, err := e.buffer(cfg.ErrBufCount, cfg.ErrBufSize)
	if err != nil {
		return err
	}
	resp, err := e.buffer(cfg.ErrBufCount, cfg.ErrBufSize)
	if err != nil {
		return err
	}
	ipkterr, err := e.buffer(cfg.ErrBufCount, 8)
	if err != nil {
		return err
	}
	size := func(n, sz int) uint32 { return uint32(sz)<<16 | uint32(n) }
	return e.writes(
		GcsrBase+XrnicConf, 0,
		GcsrBase+MacXAddLsb, lsb,
		GcsrBase+MacXAddMsb, msb,
		GcsrBase+Ipv4XAdd, IPReg(e.ip),
		GcsrBase+DatBufBa, lo(data.DMAAddr()),
		GcsrBase+DatBufBaMsb, hi(data.DMAAddr()),
		GcsrBase+DatBufSz, size(cfg.DataBufCount, cfg.DataBufSize),
		GcsrBase+ErrBufBa, lo(errbuf.DMAAddr()),
		GcsrBase+ErrBufBaMsb, hi(errbuf.DMAAddr()),
		GcsrBase+ErrBufSz, size(cfg.ErrBufCount, cfg.ErrBufSize),
		GcsrBase+RespErrPktBa, lo(resp.DMAAddr()),
		GcsrBase+RespErrPktBaMsb, hi(resp.DMAAddr()),
		GcsrBase+RespErrSz, size(cfg.ErrBufCount, cfg.ErrBufSize),
		GcsrBase+IpktErrQBa, lo(ipkterr.DMAAddr()),
		GcsrBase+IpktErrQBaMsb, hi(ipkterr.DMAAddr()),
		GcsrBase+IpktErrQSz, uint32(cfg.ErrBufCount),
		GcsrBase+XrnicAdConf, 0,
		GcsrBase+XrnicConf, xrnicEnable|
			uint32(cfg.NumQP)<<xrnicNumQPShift|
			uint32(cfg.UDPSourcePort)<<xrnicUDPShift,
	)
}

func (e *Engine) release() error {
	var errs []error
	for _, buf := range e.bufs {
		if err := buf.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	e.bufs = nil
	return errors.Join(errs...)
}

func (e *Engine) Config() EngineConfig { return e.cfg }

func (e *Engine) Allocator() *dmabuf.Allocator { return e.alloc }

func (e *Engine) Transport() xfer.Transport { return e.xfer }

// Close destroys the engine's queue pairs, disables it and releases its
// buffers.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	qps := make([]*QueuePair, 0, len(e.qps))
	for _, qp := range e.qps {
		qps = append(qps, qp)
	}
	e.mu.Unlock()
	var errs []error
	for _, qp := range qps {
		if err := qp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.write(GcsrBase+XrnicConf, 0); err != nil {
		errs = append(errs, err)
	}
	if err := e.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type ProtectionDomain struct {
	ID uint32
	e  *Engine
}

// AllocatePD creates protection domain id.
func (e *Engine) AllocatePD(id uint32) (*ProtectionDomain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, found := e.pds[id]; found {
		return nil, fmt.Errorf("pd %d: %w", id, ErrPDExists)
	}
	pd := &ProtectionDomain{ID: id, e: e}
	e.pds[id] = pd
	return pd, nil
}

type Register struct {
	Name   string
	Offset uint32
	Value  uint32
}

func (e *Engine) dump(regs []Register) ([]Register, error) {
	for i := range regs {
		v, err := e.space.Read32(regs[i].Offset)
		if err != nil {
			return regs[:i], deviceErr(err)
		}
		regs[i].Value = v
	}
	return regs, nil
}

// Counters reads the engine's global configuration and packet counters.
func (e *Engine) Counters() ([]Register, error) {
	return e.dump([]Register{
		{Name: "XRNICCONF", Offset: GcsrBase + XrnicConf},
		{Name: "XRNICADCONF", Offset: GcsrBase + XrnicAdConf},
		{Name: "MACXADDLSB", Offset: GcsrBase + MacXAddLsb},
		{Name: "MACXADDMSB", Offset: GcsrBase + MacXAddMsb},
		{Name: "IPV4XADD", Offset: GcsrBase + Ipv4XAdd},
		{Name: "ERRBUFWPTR", Offset: GcsrBase + ErrBufWptr},
		{Name: "IPKTERRQWPTR", Offset: GcsrBase + IpktErrQWptr},
		{Name: "INSRRPKTCNT", Offset: GcsrBase + InSrRPktCnt},
		{Name: "INAMPKTCNT", Offset: GcsrBase + InAmPktCnt},
		{Name: "OUTIOPKTCNT", Offset: GcsrBase + OutIoPktCnt},
		{Name: "OUTAMPKTCNT", Offset: GcsrBase + OutAmPktCnt},
		{Name: "INNAKPKTCNT", Offset: GcsrBase + InNakPktCnt},
		{Name: "OUTNAKPKTCNT", Offset: GcsrBase + OutNakPktCnt},
		{Name: "RETRYCNTSTS", Offset: GcsrBase + RetryCntSts},
	})
}
