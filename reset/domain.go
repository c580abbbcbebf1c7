// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package reset

import (
	"fmt"
	"strings"
)

// System configuration registers.
const (
	BuildStatusReg  = 0x0000
	SystemResetReg  = 0x0004
	SystemStatusReg = 0x0008
	ShellResetReg   = 0x000C
	ShellStatusReg  = 0x0010
	UserResetReg    = 0x0014
	UserStatusReg   = 0x0018
)

// Shell reset and status bits.
const (
	Qdma           = 0x001
	Rdma           = 0x002
	Cmac0Subsystem = 0x010
	Cmac0Adapter   = 0x020
	Cmac1Subsystem = 0x100
	Cmac1Adapter   = 0x200

	Cmac0Complete = Cmac0Subsystem | Cmac0Adapter
	Cmac1Complete = Cmac1Subsystem | Cmac1Adapter
	ShellAll      = Qdma | Rdma | Cmac0Complete | Cmac1Complete
)

// CMAC subsystem register window.
const (
	Cmac0Base = 0x8000
	Cmac1Base = 0xC000

	GtResetReg   = 0x0000
	CmacResetReg = 0x0004
)

// CmacBase returns the register base of a CMAC port.
func CmacBase(port int) uint32 {
	if port == 1 {
		return Cmac1Base
	}
	return Cmac0Base
}

type Scope int

const (
	ScopeSystem Scope = iota
	ScopeShell
	ScopeUser
	ScopeCmac
	ScopeGt
)

var scopeNames = []string{
	ScopeSystem: "system",
	ScopeShell:  "shell",
	ScopeUser:   "user",
	ScopeCmac:   "cmac",
	ScopeGt:     "gt",
}

func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprint("scope(", int(s), ")")
}

// Domain is an independently resettable hardware region.
type Domain struct {
	Name        string
	Description string
	Scope       Scope
	// CMAC port or -1.
	Port         int
	ResetOffset  uint32
	ResetMask    uint32
	StatusOffset uint32
	// Zero if the domain has no status bits.
	StatusMask uint32
	// SelfClearing resets are polled until the hardware clears the mask;
	// others only settle.
	SelfClearing bool
	// Partial domains are one half of a CMAC composite and may be decoded
	// from status but never reset alone.
	Partial bool
}

var (
	System = Domain{
		Name:         "system",
		Description:  "complete card reset including shell and user logic",
		Scope:        ScopeSystem,
		Port:         -1,
		ResetOffset:  SystemResetReg,
		ResetMask:    0x1,
		StatusOffset: SystemStatusReg,
		StatusMask:   0x1,
		SelfClearing: true,
	}
	Shell = Domain{
		Name:         "shell",
		Description:  "QDMA, RDMA and both CMAC subsystems",
		Scope:        ScopeShell,
		Port:         -1,
		ResetOffset:  ShellResetReg,
		ResetMask:    ShellAll,
		StatusOffset: ShellStatusReg,
		StatusMask:   ShellAll,
		SelfClearing: true,
	}
	User = Domain{
		Name:         "user",
		Description:  "user compute logic",
		Scope:        ScopeUser,
		Port:         -1,
		ResetOffset:  UserResetReg,
		ResetMask:    0x1,
		StatusOffset: UserStatusReg,
		StatusMask:   0x1,
		SelfClearing: true,
	}
	Cmac0 = cmac(0, "cmac0", "CMAC port 0 subsystem and adapter",
		Cmac0Complete, false)
	Cmac1 = cmac(1, "cmac1", "CMAC port 1 subsystem and adapter",
		Cmac1Complete, false)
	Cmac0Sub = cmac(0, "cmac0-subsystem", "CMAC port 0 subsystem",
		Cmac0Subsystem, true)
	Cmac0Adpt = cmac(0, "cmac0-adapter", "CMAC port 0 adapter",
		Cmac0Adapter, true)
	Cmac1Sub = cmac(1, "cmac1-subsystem", "CMAC port 1 subsystem",
		Cmac1Subsystem, true)
	Cmac1Adpt = cmac(1, "cmac1-adapter", "CMAC port 1 adapter",
		Cmac1Adapter, true)
	Cmac0Gt = gt(0)
	Cmac1Gt = gt(1)
)

// Domains lists every domain in display order.
var Domains = []Domain{
	System, Shell, User,
	Cmac0, Cmac1,
	Cmac0Sub, Cmac0Adpt, Cmac1Sub, Cmac1Adpt,
	Cmac0Gt, Cmac1Gt,
}

func cmac(port int, name, desc string, mask uint32, partial bool) Domain {
	return Domain{
		Name:         name,
		Description:  desc,
		Scope:        ScopeCmac,
		Port:         port,
		ResetOffset:  ShellResetReg,
		ResetMask:    mask,
		StatusOffset: ShellStatusReg,
		StatusMask:   mask,
		SelfClearing: true,
		Partial:      partial,
	}
}

// The GT transceiver reset has no status register.
func gt(port int) Domain {
	return Domain{
		Name:        fmt.Sprint("cmac", port, "-gt"),
		Description: fmt.Sprint("CMAC port ", port, " GT transceivers"),
		Scope:       ScopeGt,
		Port:        port,
		ResetOffset: CmacBase(port) + GtResetReg,
		ResetMask:   0x1,
	}
}

// Cmac returns the composite reset domain of a port.
func Cmac(port int) (Domain, error) {
	switch port {
	case 0:
		return Cmac0, nil
	case 1:
		return Cmac1, nil
	}
	return Domain{}, fmt.Errorf("cmac%d: %w", port, ErrUnknownDomain)
}

// Gt returns the transceiver reset domain of a port.
func Gt(port int) (Domain, error) {
	switch port {
	case 0:
		return Cmac0Gt, nil
	case 1:
		return Cmac1Gt, nil
	}
	return Domain{}, fmt.Errorf("cmac%d-gt: %w", port, ErrUnknownDomain)
}

func ByName(name string) (Domain, error) {
	name = strings.ToLower(name)
	for _, d := range Domains {
		if d.Name == name {
			return d, nil
		}
	}
	return Domain{}, fmt.Errorf("%s: %w", name, ErrUnknownDomain)
}

func (d Domain) String() string { return d.Name }

// covers reports whether resetting d also resets o.
func (d Domain) covers(o Domain) bool {
	switch d.Scope {
	case ScopeSystem:
		return true
	case ScopeShell:
		return o.Scope == ScopeShell || o.Scope == ScopeCmac ||
			o.Scope == ScopeGt
	case ScopeUser:
		return o.Scope == ScopeUser
	case ScopeCmac:
		return o.Port == d.Port && (o.Scope == ScopeGt ||
			o.Scope == ScopeCmac && o.ResetMask&^d.ResetMask == 0)
	case ScopeGt:
		return o.Scope == ScopeGt && o.Port == d.Port
	}
	return false
}

// Conflicts reports whether d and o may not be reset concurrently.
func (d Domain) Conflicts(o Domain) bool {
	return d.covers(o) || o.covers(d)
}
