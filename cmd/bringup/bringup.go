// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package bringup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"

	"github.com/platinasystems/reconic/cmac"
	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/diag"
	"github.com/platinasystems/reconic/internal/lang"
	"github.com/platinasystems/reconic/reset"
)

type Command struct{}

func (Command) String() string { return "bringup" }

func (Command) Usage() string {
	return `bringup [-config FILE] [-f] [-no-reset] [-publish] [-redis ADDR]
	[-metrics FILE] [PORT]...`
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "reset the shell and bring up the CMAC ports",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Reset the shell, then bring each CMAC PORT, by default those of the
	configuration, from reset to ready: RS-FEC, RX/TX enable, lane
	alignment, flow control and the receive indirection table. Ports
	come up concurrently. A port whose lanes don't align after 8 polls
	is reset once more and fails after 32.

	The resulting diagnostics advice is printed and, with -publish or
	-redis, stored in the redis hash of the configured key.

OPTIONS
	-f		don't ask before resetting
	-no-reset	skip the shell and port resets
	-publish	publish diagnostics to the configured redis server
	-redis ADDR	publish diagnostics to ADDR
	-metrics FILE	write metrics in the text exposition format
	-config FILE	session configuration`,
	}
}

func (Command) Kind() cmd.Kind { return cmd.Dangerous }

func (Command) Main(args ...string) error {
	flag, args := flags.New(args, "-f", "-no-reset", "-publish")
	parm, args := parms.New(args, "-config", "-redis", "-metrics")

	ids, err := ParsePorts(args)
	if err != nil {
		return err
	}
	s, err := cmd.OpenSession(parm.ByName["-config"])
	if err != nil {
		return err
	}
	defer s.Close()
	if len(ids) == 0 {
		ids = s.Config.Ports
	}
	if len(ids) == 0 {
		return cmd.Missing("PORT")
	}

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = fmt.Sprint("cmac", id)
	}
	if !flag.ByName["-no-reset"] {
		ok, err := cmd.MaybeConfirm(flag.ByName["-f"],
			"reset shell and "+strings.Join(names, ", ")+"?")
		if err != nil || !ok {
			return err
		}
		res, err := s.Resets.Reset(reset.Shell)
		if err != nil {
			return err
		}
		fmt.Printf("shell: reset, status %#x\n", res.Status)
		if res.Incomplete {
			log.Print("warn", "continuing after ", res.Err())
		}
	} else {
		s.Config.Cmac.Reinit = false
	}

	ports := make([]*cmac.Port, 0, len(ids))
	for _, id := range ids {
		p, err := s.Port(id)
		if err != nil {
			return err
		}
		ports = append(ports, p)
	}
	upErr := cmac.BringUpAll(ports...)
	for _, p := range ports {
		fmt.Printf("%s: %s after %d polls", p, p.State(), p.Polls())
		if p.Escalated() {
			fmt.Print(", escalated")
		}
		fmt.Println()
	}

	snap, err := diag.Read(s.Space)
	if err != nil {
		log.Print("warn", "diagnostics: ", err)
	}
	for _, a := range snap.Advice() {
		fmt.Println(a)
	}
	addr := parm.ByName["-redis"]
	if len(addr) == 0 && flag.ByName["-publish"] {
		addr = s.Config.Redis
	}
	if len(addr) > 0 {
		if err = cmd.Publish(&snap, addr, s.Config.RedisKey); err != nil {
			log.Print("err", err)
		}
	}
	if err = s.WriteMetrics(parm.ByName["-metrics"]); err != nil {
		log.Print("err", "metrics: ", err)
	}
	return upErr
}

// ParsePorts converts port arguments, "cmac1" or "1", to port numbers.
func ParsePorts(args []string) ([]int, error) {
	var ids []int
	for _, arg := range args {
		id, err := strconv.Atoi(strings.TrimPrefix(arg, "cmac"))
		if err != nil || id < 0 || id > 1 {
			return nil, fmt.Errorf("%s: %w", arg, reset.ErrUnknownDomain)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
