// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdmaread

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/platinasystems/parms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/reconic/cmd/cmdtest"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/poll"
	"github.com/platinasystems/reconic/rdma"
	"github.com/platinasystems/reconic/xfer"
)

// wire makes the client card execute the read entries posted to qpid by
// copying from the server card's device memory, then advance the
// completion head. Ring and buffers must be in device memory.
func wire(server, client *cmdtest.Card, qpid uint32,
	tamper func([]byte)) {
	var pi uint32
	client.OnWrite(rdma.QpReg(qpid, rdma.SqPi), func(v uint32) {
		depth := client.Get(rdma.QpReg(qpid, rdma.QDepth)) & 0xffff
		sq := uint64(client.Get(rdma.QpReg(qpid, rdma.SqBaMsb)))<<32 |
			uint64(client.Get(rdma.QpReg(qpid, rdma.SqBa)))
		for ; depth > 0 && pi != v; pi = (pi + 1) % depth {
			b, _ := client.Loopback.Read(sq+uint64(pi)*rdma.WQESize,
				rdma.WQESize)
			le := binary.LittleEndian
			local := uint64(le.Uint32(b[8:]))<<32 | uint64(le.Uint32(b[4:]))
			n := int(le.Uint32(b[12:]))
			remote := uint64(le.Uint32(b[24:]))<<32 |
				uint64(le.Uint32(b[20:]))
			data, _ := server.Loopback.Read(remote, n)
			if tamper != nil {
				tamper(data)
			}
			client.Loopback.Write(local, data)
		}
		client.Set(rdma.QpReg(qpid, rdma.CqHead), v)
	})
}

func peer(t *testing.T, c *cmdtest.Card, o Options) *Peer {
	s, err := c.Open()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	p, err := Setup(s, o)
	require.NoError(t, err)
	return p
}

func serverOptions() Options {
	return DefaultOptions()
}

func clientOptions() Options {
	o := DefaultOptions()
	o.SQPSN, o.RQPSN = o.RQPSN, o.SQPSN
	return o
}

func serve(t *testing.T, p *Peer) (net.Conn, chan error) {
	sconn, cconn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		defer sconn.Close()
		done <- p.Serve(sconn)
	}()
	return cconn, done
}

func TestRead(t *testing.T) {
	sc, cc := cmdtest.New(), cmdtest.New()
	server := peer(t, sc, serverOptions())
	client := peer(t, cc, clientOptions())
	wire(sc, cc, 2, nil)

	conn, done := serve(t, server)
	remote, err := rdma.ReceiveAddress(conn)
	require.NoError(t, err)
	assert.Equal(t, server.Buffer.DMAAddr(), remote)
	assert.Equal(t, uint32(DefaultRKey),
		sc.Get(rdma.MrReg(DefaultRKey, rdma.MrBufRkey)))

	require.NoError(t, client.Read(remote))
	assert.Zero(t, client.QP.Outstanding())
	got, err := xfer.ReadBuffer(client.Session.Transport, client.Buffer)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(got[36:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(got[40:]))

	conn.Close()
	require.NoError(t, <-done)
	assert.Equal(t, []uint32{DefaultRKey, 0},
		sc.Written(rdma.MrReg(DefaultRKey, rdma.MrBufRkey)))

	sq, rq := client.QP.PSN()
	assert.Equal(t, uint32(0xabc), sq)
	assert.Equal(t, uint32(0xabd), rq)
}

func TestReadTimeout(t *testing.T) {
	cc := cmdtest.New()
	client := peer(t, cc, clientOptions())
	err := client.Read(dmabuf.DefaultDeviceBase)
	assert.True(t, errors.Is(err, poll.ErrTimeout))
	assert.Equal(t, 1, client.QP.Outstanding())
}

func TestReadMismatch(t *testing.T) {
	sc, cc := cmdtest.New(), cmdtest.New()
	server := peer(t, sc, serverOptions())
	o := clientOptions()
	o.Size = 64
	client := peer(t, cc, o)
	wire(sc, cc, 2, func(b []byte) { b[40] = 7 })
	conn, done := serve(t, server)
	defer func() {
		conn.Close()
		<-done
	}()
	remote, err := rdma.ReceiveAddress(conn)
	require.NoError(t, err)
	err = client.Read(remote)
	var mismatch *xfer.MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 40, mismatch.Offset)
}

func TestSetupRejectsQP(t *testing.T) {
	c := cmdtest.New()
	s, err := c.Open()
	require.NoError(t, err)
	defer s.Close()
	o := DefaultOptions()
	o.QPID = 9
	_, err = Setup(s, o)
	assert.True(t, errors.Is(err, rdma.ErrInvalidQP))
	o = DefaultOptions()
	o.Depth = 48
	_, err = Setup(s, o)
	assert.True(t, errors.Is(err, rdma.ErrInvalidDepth))
}

func TestSetupReleasesBuffers(t *testing.T) {
	c := cmdtest.New()
	s, err := c.Open()
	require.NoError(t, err)
	// runs after everything Setup acquires, before the allocator closes
	var left dmabuf.Usage
	s.Defer("usage", func() error {
		left = s.Allocator.Usage()
		return nil
	})
	p, err := Setup(s, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Zero(t, left.Buffers)
	assert.True(t, p.Buffer.Released())
	assert.True(t, p.Doorbells.Buffer().Released())
}

func TestParseOptions(t *testing.T) {
	parm, _ := parms.New([]string{"-qp", "3", "-size", "0x100",
		"-l", "host", "-dst-ip", "10.0.0.2", "-timeout", "5s"},
		"-qp", "-dst-qp", "-rkey", "-depth", "-size", "-dst-mac",
		"-dst-ip", "-l", "-timeout")
	o, err := parseOptions(parm)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), o.QPID)
	assert.Equal(t, uint32(3), o.DstQPID)
	assert.Equal(t, 0x100, o.Size)
	assert.Equal(t, dmabuf.Host, o.Location)
	assert.Equal(t, "10.0.0.2", o.DstIP.String())
	assert.Equal(t, 64, o.Depth)

	parm, _ = parms.New([]string{"-depth", "-1"}, "-depth")
	_, err = parseOptions(parm)
	assert.Error(t, err)
}

func TestWords(t *testing.T) {
	b := Words(46)
	assert.Len(t, b, 46)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[4:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(b[40:]))
	assert.Equal(t, []byte{0, 0}, b[44:])
}

func TestMainClient(t *testing.T) {
	sc, cc := cmdtest.New(), cmdtest.New()
	defer cc.Install()()
	server := peer(t, sc, serverOptions())
	wire(sc, cc, 2, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- server.Serve(conn)
	}()
	require.NoError(t, Command{}.Main("-client", ln.Addr().String()))
	require.NoError(t, <-done)
	require.Len(t, cc.Sessions, 1)
	assert.True(t, cc.Sessions[0].Closed())
}

func TestMainUsage(t *testing.T) {
	assert.Error(t, Command{}.Main())
	assert.Error(t, Command{}.Main("-server", "-client", "peer"))
	assert.Error(t, Command{}.Main("-client", "peer", "-size", "x"))
}
