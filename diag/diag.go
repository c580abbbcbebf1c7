// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package diag reads a read-only snapshot of the card's reset and link state
// and turns it into operator advice.
package diag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/garyburd/redigo/redis"

	"github.com/platinasystems/reconic/cmac"
	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/reset"
)

// DefaultKey is the redis hash a snapshot is published under.
const DefaultKey = "reconic"

// Reg is one register read for the snapshot. Err is set when the read
// failed and Value is meaningless.
type Reg struct {
	Name   string
	Offset uint32
	Value  uint32
	Err    error
}

func (r Reg) String() string {
	if r.Err != nil {
		return fmt.Sprintf("[%#04x] %-14s read failed: %v", r.Offset,
			r.Name, r.Err)
	}
	return fmt.Sprintf("[%#04x] %-14s %#08x", r.Offset, r.Name, r.Value)
}

type Port struct {
	ID       int
	RxStatus Reg
	Aligned  bool
}

type Snapshot struct {
	Build  Reg
	Resets []Reg
	Status []Reg
	Ports  []Port
}

type bit struct {
	name string
	mask uint32
}

var shellBits = []bit{
	{"qdma", reset.Qdma},
	{"rdma", reset.Rdma},
	{"cmac0-subsystem", reset.Cmac0Subsystem},
	{"cmac0-adapter", reset.Cmac0Adapter},
	{"cmac1-subsystem", reset.Cmac1Subsystem},
	{"cmac1-adapter", reset.Cmac1Adapter},
}

func read(space *csr.Space, name string, off uint32) Reg {
	r := Reg{Name: name, Offset: off}
	r.Value, r.Err = space.Read32(off)
	return r
}

// Read takes a snapshot without writing any register. Failed reads are
// recorded in the snapshot and joined into the returned error.
func Read(space *csr.Space) (Snapshot, error) {
	s := Snapshot{
		Build: read(space, "build", reset.BuildStatusReg),
		Resets: []Reg{
			read(space, "system", reset.SystemResetReg),
			read(space, "shell", reset.ShellResetReg),
			read(space, "user", reset.UserResetReg),
		},
		Status: []Reg{
			read(space, "system", reset.SystemStatusReg),
			read(space, "shell", reset.ShellStatusReg),
			read(space, "user", reset.UserStatusReg),
		},
	}
	for port := 0; port < 2; port++ {
		off := reset.CmacBase(port) + cmac.StatRxStatus
		name := fmt.Sprint("cmac", port, "-rx")
		// latched, the second read is current
		p := Port{ID: port, RxStatus: read(space, name, off)}
		if p.RxStatus.Err == nil {
			p.RxStatus = read(space, name, off)
		}
		p.Aligned = p.RxStatus.Err == nil &&
			p.RxStatus.Value == cmac.RxAligned
		s.Ports = append(s.Ports, p)
	}
	return s, s.Err()
}

func (s *Snapshot) regs() []Reg {
	regs := []Reg{s.Build}
	regs = append(regs, s.Resets...)
	regs = append(regs, s.Status...)
	for _, p := range s.Ports {
		regs = append(regs, p.RxStatus)
	}
	return regs
}

// Err joins the snapshot's read failures.
func (s *Snapshot) Err() error {
	var errs []error
	for _, r := range s.regs() {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Shell returns the shell status register and whether it was read.
func (s *Snapshot) Shell() (uint32, bool) {
	for _, r := range s.Status {
		if r.Offset == reset.ShellStatusReg {
			return r.Value, r.Err == nil
		}
	}
	return 0, false
}

// Advice returns operator hints derived from the shell status.
func (s *Snapshot) Advice() []string {
	v, ok := s.Shell()
	if !ok {
		return []string{"shell status unreadable, check the PCIe mapping"}
	}
	var advice []string
	if v&reset.Cmac0Complete != reset.Cmac0Complete {
		advice = append(advice,
			"cmac0 needs reset: subsystem and adapter status incomplete")
	}
	if v&reset.Cmac1Complete != reset.Cmac1Complete {
		advice = append(advice,
			"cmac1 needs reset: subsystem and adapter status incomplete")
	}
	if v&(reset.Qdma|reset.Rdma) != reset.Qdma|reset.Rdma {
		advice = append(advice,
			"datapath needs reset: qdma/rdma status incomplete")
	}
	if v == reset.ShellAll {
		advice = append(advice, "all shell subsystems healthy")
	}
	for _, p := range s.Ports {
		if p.RxStatus.Err == nil && !p.Aligned {
			advice = append(advice, fmt.Sprint("cmac", p.ID,
				" lanes not aligned, run bringup"))
		}
	}
	return advice
}

func mark(ok bool) string {
	if ok {
		return "done"
	}
	return "pending"
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, "build:")
	fmt.Fprintln(&b, "\t", s.Build)
	fmt.Fprintln(&b, "reset registers (non-zero means in progress):")
	for _, r := range s.Resets {
		state := "clear"
		if r.Err == nil && r.Value != 0 {
			state = "in progress"
		}
		fmt.Fprintf(&b, "\t%s %s\n", r, state)
	}
	fmt.Fprintln(&b, "status registers:")
	for _, r := range s.Status {
		fmt.Fprintf(&b, "\t%s\n", r)
	}
	if v, ok := s.Shell(); ok {
		for _, x := range shellBits {
			fmt.Fprintf(&b, "\t\t%-16s %s\n", x.name,
				mark(v&x.mask == x.mask))
		}
	}
	fmt.Fprintln(&b, "ports:")
	for _, p := range s.Ports {
		fmt.Fprintf(&b, "\t%s aligned %t\n", p.RxStatus, p.Aligned)
	}
	fmt.Fprintln(&b, "advice:")
	for _, a := range s.Advice() {
		fmt.Fprintf(&b, "\t%s\n", a)
	}
	return b.String()
}

// Fields flattens the snapshot into dotted hash fields.
func (s *Snapshot) Fields() map[string]string {
	m := make(map[string]string)
	put := func(prefix string, r Reg) {
		if r.Err != nil {
			m[prefix] = "error"
		} else {
			m[prefix] = fmt.Sprintf("%#x", r.Value)
		}
	}
	put("build", s.Build)
	for _, r := range s.Resets {
		put("reset."+r.Name, r)
	}
	for _, r := range s.Status {
		put("status."+r.Name, r)
	}
	if v, ok := s.Shell(); ok {
		for _, x := range shellBits {
			m["shell."+x.name] = mark(v&x.mask == x.mask)
		}
	}
	for _, p := range s.Ports {
		prefix := fmt.Sprint("cmac", p.ID)
		put(prefix+".rx.status", p.RxStatus)
		m[prefix+".aligned"] = fmt.Sprint(p.Aligned)
	}
	m["advice"] = strings.Join(s.Advice(), "; ")
	return m
}

// Publish pipelines an HSET of every field into key.
func (s *Snapshot) Publish(conn redis.Conn, key string) error {
	if len(key) == 0 {
		key = DefaultKey
	}
	fields := s.Fields()
	for k, v := range fields {
		if err := conn.Send("HSET", key, k, v); err != nil {
			return err
		}
	}
	if err := conn.Flush(); err != nil {
		return err
	}
	for range fields {
		if _, err := conn.Receive(); err != nil {
			return err
		}
	}
	return nil
}
