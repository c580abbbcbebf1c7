// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdmaread

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"

	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/lang"
	"github.com/platinasystems/reconic/internal/poll"
	"github.com/platinasystems/reconic/rdma"
	"github.com/platinasystems/reconic/session"
	"github.com/platinasystems/reconic/xfer"
)

const (
	DefaultPort = 11111
	DefaultRKey = 0x10

	// Packet sequence numbers of the server; the client's are swapped.
	serverSQPSN = 0xabd
	serverRQPSN = 0xabc
)

type Command struct{}

func (Command) String() string { return "rdmaread" }

func (Command) Usage() string {
	return `rdmaread -server [-p PORT] [OPTION]...
	rdmaread -client HOST[:PORT] [OPTION]...`
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "RDMA read a buffer from a peer card",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	The server fills a buffer with 32-bit words i mod 10, registers it
	as a memory region and sends its address to the client over TCP.
	The client RDMA reads the buffer with one work queue entry, waits
	for the completion and verifies the words. Both sides keep their
	queue pair until the client disconnects.

OPTIONS
	-p PORT		server TCP port, default 11111
	-qp N		local queue pair, default 2
	-dst-qp N	remote queue pair, default the local one
	-dst-mac MAC	remote MAC address
	-dst-ip IP	remote IPv4 address
	-depth N	queue depth, default 64
	-size N		buffer bytes, default 4096
	-rkey N		memory region key, default 0x10
	-l LOCATION	buffer and ring memory, host or device (default)
	-timeout D	completion timeout, default 1s
	-dump		print queue pair registers and engine counters
	-config FILE	session configuration`,
	}
}

// Options of either side of a read.
type Options struct {
	QPID     uint32
	DstQPID  uint32
	DstMAC   net.HardwareAddr
	DstIP    net.IP
	Depth    int
	Size     int
	RKey     uint32
	Location dmabuf.Location
	SQPSN    uint32
	RQPSN    uint32
	Timeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QPID:     2,
		DstQPID:  2,
		DstMAC:   net.HardwareAddr{0x00, 0x0a, 0x35, 0x00, 0x00, 0x02},
		DstIP:    net.IPv4(192, 168, 1, 2),
		Depth:    64,
		Size:     4096,
		RKey:     DefaultRKey,
		Location: dmabuf.Device,
		SQPSN:    serverSQPSN,
		RQPSN:    serverRQPSN,
		Timeout:  time.Second,
	}
}

func (Command) Main(args ...string) error {
	flag, args := flags.New(args, "-server", "-dump")
	parm, args := parms.New(args, "-config", "-client", "-p", "-qp",
		"-dst-qp", "-dst-mac", "-dst-ip", "-depth", "-size", "-rkey", "-l",
		"-timeout")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected", args)
	}
	server := flag.ByName["-server"]
	client := parm.ByName["-client"]
	if server == (len(client) > 0) {
		return fmt.Errorf("usage: %s", Command{}.Usage())
	}
	o, err := parseOptions(parm)
	if err != nil {
		return err
	}
	if !server {
		o.SQPSN, o.RQPSN = o.RQPSN, o.SQPSN
	}

	s, err := cmd.OpenSession(parm.ByName["-config"])
	if err != nil {
		return err
	}
	defer s.Close()
	p, err := Setup(s, o)
	if err != nil {
		return err
	}
	if flag.ByName["-dump"] {
		defer p.Dump(os.Stdout)
	}

	if server {
		port := parm.ByName["-p"]
		if len(port) == 0 {
			port = strconv.Itoa(DefaultPort)
		}
		ln, err := net.Listen("tcp", ":"+port)
		if err != nil {
			return err
		}
		defer ln.Close()
		fmt.Println("listening on", ln.Addr())
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		return p.Serve(conn)
	}

	if _, _, err = net.SplitHostPort(client); err != nil {
		client = net.JoinHostPort(client, strconv.Itoa(DefaultPort))
	}
	conn, err := net.Dial("tcp", client)
	if err != nil {
		return err
	}
	defer conn.Close()
	remote, err := rdma.ReceiveAddress(conn)
	if err != nil {
		return err
	}
	if err = p.Read(remote); err != nil {
		return err
	}
	fmt.Printf("read %d bytes from %#x rkey %#x: ok\n", o.Size, remote,
		o.RKey)
	return nil
}

func parseOptions(parm *parms.Parms) (Options, error) {
	o := DefaultOptions()
	dstSet := false
	for _, x := range []struct {
		name string
		p    *uint32
	}{
		{"-qp", &o.QPID},
		{"-dst-qp", &o.DstQPID},
		{"-rkey", &o.RKey},
	} {
		s := parm.ByName[x.name]
		if len(s) == 0 {
			continue
		}
		u, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return o, fmt.Errorf("%s %s: %v", x.name, s, err)
		}
		*x.p = uint32(u)
		dstSet = dstSet || x.name == "-dst-qp"
	}
	if !dstSet {
		o.DstQPID = o.QPID
	}
	for _, x := range []struct {
		name string
		p    *int
	}{
		{"-depth", &o.Depth},
		{"-size", &o.Size},
	} {
		s := parm.ByName[x.name]
		if len(s) == 0 {
			continue
		}
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil || n <= 0 {
			return o, fmt.Errorf("%s %s: invalid", x.name, s)
		}
		*x.p = int(n)
	}
	if s := parm.ByName["-dst-mac"]; len(s) > 0 {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return o, err
		}
		o.DstMAC = mac
	}
	if s := parm.ByName["-dst-ip"]; len(s) > 0 {
		if o.DstIP = net.ParseIP(s); o.DstIP == nil {
			return o, fmt.Errorf("%s: invalid IP address", s)
		}
	}
	if s := parm.ByName["-l"]; len(s) > 0 {
		loc, err := dmabuf.ParseLocation(s)
		if err != nil {
			return o, err
		}
		o.Location = loc
	}
	if s := parm.ByName["-timeout"]; len(s) > 0 {
		d, err := time.ParseDuration(s)
		if err != nil {
			return o, err
		}
		o.Timeout = d
	}
	return o, nil
}

// Peer is one side of a read: an open engine with a single queue pair and
// a data buffer.
type Peer struct {
	Options
	Session   *session.Session
	Engine    *rdma.Engine
	PD        *rdma.ProtectionDomain
	Doorbells *dmabuf.Doorbells
	QP        *rdma.QueuePair
	Buffer    *dmabuf.Buffer
	MR        *rdma.MemoryRegion
}

// Setup opens the session's engine and creates the peer's queue pair and
// buffer. Everything is released with the session.
func Setup(s *session.Session, o Options) (*Peer, error) {
	p := &Peer{Options: o, Session: s}
	var err error
	// Doorbells outlive the engine's queue pairs.
	p.Doorbells, err = s.Allocator.Doorbells(s.Config.Rdma.NumQP)
	if err != nil {
		return nil, err
	}
	s.Defer("doorbells", p.Doorbells.Release)
	if p.Engine, err = s.Engine(); err != nil {
		return nil, err
	}
	if p.PD, err = p.Engine.AllocatePD(0); err != nil {
		return nil, err
	}
	p.QP, err = p.Engine.AllocateQP(rdma.QPConfig{
		QPID:       o.QPID,
		DstQPID:    o.DstQPID,
		PD:         p.PD,
		CQDoorbell: p.Doorbells.CQBase(),
		RQDoorbell: p.Doorbells.RQBase(),
		Depth:      o.Depth,
		Location:   o.Location,
		DstMAC:     o.DstMAC,
		DstIP:      o.DstIP,
		PKey:       0xffff,
		RKey:       o.RKey,
	})
	if err != nil {
		return nil, err
	}
	if err = p.Engine.ConfigRQPSN(p.QP, o.RQPSN); err != nil {
		return nil, err
	}
	if err = p.Engine.ConfigSQPSN(p.QP, o.SQPSN); err != nil {
		return nil, err
	}
	p.Buffer, err = s.Allocator.Allocate(uint64(o.Size), o.Location)
	if err != nil {
		return nil, err
	}
	s.Defer("data buffer", p.Buffer.Release)
	return p, nil
}

// Words returns n bytes of little endian 32-bit words i mod 10.
func Words(n int) []byte {
	b := make([]byte, n)
	for i := 0; i+4 <= n; i += 4 {
		binary.LittleEndian.PutUint32(b[i:], uint32(i/4%10))
	}
	return b
}

// Serve fills and registers the buffer, sends its address on conn and
// waits for the peer to hang up.
func (p *Peer) Serve(conn io.ReadWriter) error {
	t := p.Session.Transport
	if err := xfer.WriteBuffer(t, p.Buffer, Words(p.Size)); err != nil {
		return err
	}
	mr, err := p.Engine.RegisterMemoryRegion(p.PD, p.RKey, p.Buffer,
		rdma.AccessAll)
	if err != nil {
		return err
	}
	p.MR = mr
	defer func() {
		p.Engine.DeregisterMemoryRegion(mr)
		p.MR = nil
	}()
	if err = rdma.SendAddress(conn, p.Buffer.DMAAddr()); err != nil {
		return err
	}
	log.Print("info", "serving ", p.Buffer, " rkey ",
		fmt.Sprintf("%#x", p.RKey))
	_, err = io.Copy(io.Discard, conn)
	return err
}

// Read the peer's remote buffer into the local one with a single work
// queue entry and verify it.
func (p *Peer) Read(remote uint64) error {
	w := rdma.CreateWQE(p.QP, 1, p.QP.NextSlot(), p.Buffer.DMAAddr(),
		uint32(p.Size), rdma.OpRead, remote, p.RKey)
	log.Print("debug", w)
	if err := p.QP.Submit(w); err != nil {
		return err
	}
	if err := p.Engine.PostSend(p.QP); err != nil {
		return err
	}
	poller := &poll.Poller{
		Interval: time.Millisecond,
		Timeout:  p.Timeout,
		Clock:    p.Session.Clock,
	}
	_, err := poller.Until(func(int) (bool, error) {
		if _, err := p.QP.Reap(); err != nil {
			return false, err
		}
		return p.QP.Outstanding() == 0, nil
	})
	if err != nil {
		return fmt.Errorf("%s completion: %w", p.QP, err)
	}
	got, err := xfer.ReadBuffer(p.Session.Transport, p.Buffer)
	if err != nil {
		return err
	}
	return xfer.Verify(Words(p.Size), got)
}

// Dump prints the queue pair registers and engine counters.
func (p *Peer) Dump(w io.Writer) {
	for _, f := range []func() ([]rdma.Register, error){
		p.QP.Registers,
		p.Engine.Counters,
	} {
		regs, err := f()
		for _, r := range regs {
			fmt.Fprintf(w, "%-14s [%#08x] %#08x\n", r.Name, r.Offset,
				r.Value)
		}
		if err != nil {
			fmt.Fprintln(w, "error:", err)
		}
	}
}
