// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package cmdtest runs commands against a simulated card.
package cmdtest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/garyburd/redigo/redis"

	"github.com/platinasystems/reconic/cmac"
	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/csr/csrtest"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/poll"
	"github.com/platinasystems/reconic/reset"
	"github.com/platinasystems/reconic/session"
	"github.com/platinasystems/reconic/xfer"
)

type Card struct {
	*csrtest.Window
	Clock    *poll.FakeClock
	Host     *dmabuf.SimHost
	Loopback *xfer.Loopback
	Redis    *Redis
	// Sessions opened by commands, most recent last.
	Sessions []*session.Session
	// Configure, if set, edits the configuration of each session.
	Configure func(*session.Config)
}

// New returns a card whose reset registers self-clear on the first read
// and raise their status bits.
func New() *Card {
	c := &Card{
		Window:   csrtest.New(csr.DefaultMapSize),
		Clock:    poll.NewFakeClock(),
		Host:     dmabuf.NewSimHost(0x1_0000_0000),
		Loopback: xfer.NewLoopback(),
		Redis:    &Redis{Hashes: make(map[string]map[string]string)},
	}
	for _, x := range []struct{ reset, status uint32 }{
		{reset.SystemResetReg, reset.SystemStatusReg},
		{reset.ShellResetReg, reset.ShellStatusReg},
		{reset.UserResetReg, reset.UserStatusReg},
	} {
		status := x.status
		c.SelfClear(x.reset, 0)
		c.OnWrite(x.reset, func(v uint32) {
			c.Set(status, c.Get(status)|v)
		})
	}
	return c
}

// Install makes c the card opened by commands, and its Redis the server
// they publish to, until restore is called.
func (c *Card) Install() (restore func()) {
	saveOpen, saveDial := cmd.Open, cmd.DialRedis
	cmd.Open = c.open
	cmd.DialRedis = c.Redis.dial
	return func() {
		cmd.Open = saveOpen
		cmd.DialRedis = saveDial
	}
}

// Open a session on the card with the default configuration.
func (c *Card) Open() (*session.Session, error) {
	return c.open(session.DefaultConfig())
}

func (c *Card) open(cfg session.Config) (*session.Session, error) {
	if c.Configure != nil {
		c.Configure(&cfg)
	}
	s, err := session.New(cfg, c.Window, c.Host, c.Loopback)
	if err != nil {
		return nil, err
	}
	s.SetClock(c.Clock)
	c.Sessions = append(c.Sessions, s)
	return s, nil
}

// Aligned makes the RX status of a port read locked.
func (c *Card) Aligned(port int) {
	c.Set(reset.CmacBase(port)+cmac.StatRxStatus, cmac.RxAligned)
}

// Redis is an in memory server that only knows HSET.
type Redis struct {
	mu     sync.Mutex
	Addrs  []string
	Hashes map[string]map[string]string
}

func (r *Redis) dial(addr string) (redis.Conn, error) {
	r.mu.Lock()
	r.Addrs = append(r.Addrs, addr)
	r.mu.Unlock()
	return &conn{r: r}, nil
}

// Field returns a hash field.
func (r *Redis) Field(key, field string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Hashes[key][field]
}

type conn struct {
	r       *Redis
	replies []interface{}
	errs    []error
}

func (c *conn) Close() error { return nil }
func (c *conn) Err() error   { return nil }

func (c *conn) Do(name string, args ...interface{}) (interface{}, error) {
	if err := c.Send(name, args...); err != nil {
		return nil, err
	}
	return c.Receive()
}

func (c *conn) Send(name string, args ...interface{}) error {
	var err error
	if name != "HSET" || len(args) != 3 {
		err = redis.Error(fmt.Sprint("ERR unknown command ", name))
	} else {
		key := fmt.Sprint(args[0])
		c.r.mu.Lock()
		h, found := c.r.Hashes[key]
		if !found {
			h = make(map[string]string)
			c.r.Hashes[key] = h
		}
		h[fmt.Sprint(args[1])] = fmt.Sprint(args[2])
		c.r.mu.Unlock()
	}
	c.replies = append(c.replies, int64(1))
	c.errs = append(c.errs, err)
	return nil
}

func (c *conn) Flush() error { return nil }

func (c *conn) Receive() (interface{}, error) {
	if len(c.replies) == 0 {
		return nil, fmt.Errorf("no reply pending")
	}
	reply, err := c.replies[0], c.errs[0]
	c.replies, c.errs = c.replies[1:], c.errs[1:]
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Stdout returns what f prints to os.Stdout.
func Stdout(f func()) string {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	save := os.Stdout
	os.Stdout = w
	done := make(chan string)
	go func() {
		var b bytes.Buffer
		io.Copy(&b, r)
		r.Close()
		done <- b.String()
	}()
	defer func() {
		os.Stdout = save
	}()
	f()
	w.Close()
	return <-done
}
