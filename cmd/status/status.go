// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package status

import (
	"fmt"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"

	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/diag"
	"github.com/platinasystems/reconic/internal/lang"
)

type Command struct{}

func (Command) String() string { return "status" }

func (Command) Usage() string {
	return `status [-config FILE] [-regs] [-publish] [-redis ADDR] [-key KEY]`
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "print reset, link and shell status with advice",
		lang.ZhCN: "显示复位和链路状态",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Read, without writing anything, the build, reset and status
	registers and the RX status of both CMAC ports, then print them
	with advice on what to reset.

OPTIONS
	-regs		also print every named register
	-publish	store the snapshot in the configured redis hash
	-redis ADDR	store the snapshot on the redis server at ADDR
	-key KEY	redis hash, default the configured one
	-config FILE	session configuration`,
	}
}

func (Command) Main(args ...string) error {
	flag, args := flags.New(args, "-regs", "-publish")
	parm, args := parms.New(args, "-config", "-redis", "-key")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected", args)
	}
	s, err := cmd.OpenSession(parm.ByName["-config"])
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := diag.Read(s.Space)
	fmt.Print(snap)
	if flag.ByName["-regs"] {
		fmt.Println("registers:")
		for _, off := range csr.Offsets() {
			v, err := s.Space.Read32(off)
			if err != nil {
				fmt.Printf("\t[%#08x] %s: %v\n", off, csr.Name(off), err)
				continue
			}
			fmt.Print("\t", csr.Describe(off, v), "\n")
		}
	}
	addr := parm.ByName["-redis"]
	if len(addr) == 0 && flag.ByName["-publish"] {
		addr = s.Config.Redis
	}
	if len(addr) > 0 {
		key := parm.ByName["-key"]
		if len(key) == 0 {
			key = s.Config.RedisKey
		}
		if perr := cmd.Publish(&snap, addr, key); perr != nil {
			return perr
		}
	}
	return err
}
