// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package resetcmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"

	"github.com/platinasystems/reconic/cmac"
	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/diag"
	"github.com/platinasystems/reconic/internal/lang"
	"github.com/platinasystems/reconic/reset"
	"github.com/platinasystems/reconic/session"
)

type Command struct{}

func (Command) String() string { return "reset" }

func (Command) Usage() string {
	return `reset [-config FILE] [-f] [-reinit] DOMAIN...
	reset [-config FILE] { -s | status | diagnose }
	reset [-config FILE] [-f] -i`
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "reset hardware domains of the card",
		lang.ZhCN: "复位网卡硬件域",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Reset each named DOMAIN in turn, waiting for the reset register to
	self-clear and the domain to settle, then check its status bits.
	An incomplete status is reported but isn't an error.

	DOMAIN := { system | shell | user | cmac0 | cmac1 | all |
		    gt0 | gt1 | cmac0-gt | cmac1-gt }

	"all" resets both CMAC ports one after the other. The subsystem
	and adapter halves of a port can't be reset alone.

OPTIONS
	-f		don't ask before resetting
	-reinit		bring the reset CMAC ports back up
	-i		interactive; DOMAIN..., s, d, h, q
	-s, status	show the status of each domain
	diagnose	show reset and status registers with advice
	-config FILE	session configuration`,
	}
}

func (Command) Kind() cmd.Kind { return cmd.Dangerous }

func (c Command) Main(args ...string) error {
	flag, args := flags.New(args, "-f", "-i", "-s", "-reinit")
	parm, args := parms.New(args, "-config")

	if flag.ByName["-i"] {
		if len(args) > 0 {
			return fmt.Errorf("%v: unexpected", args)
		}
		s, err := cmd.OpenSession(parm.ByName["-config"])
		if err != nil {
			return err
		}
		defer s.Close()
		p := cmd.NewPrompter()
		defer p.Close()
		return Shell(s, p, os.Stdout, flag.ByName["-f"])
	}
	if flag.ByName["-s"] {
		args = append([]string{"status"}, args...)
	}
	if len(args) == 0 {
		return cmd.Missing("DOMAIN")
	}
	switch args[0] {
	case "status", "diagnose":
		s, err := cmd.OpenSession(parm.ByName["-config"])
		if err != nil {
			return err
		}
		defer s.Close()
		if args[0] == "status" {
			return Status(os.Stdout, s)
		}
		snap, err := diag.Read(s.Space)
		fmt.Print(snap)
		return err
	}

	domains, err := Domains(args)
	if err != nil {
		return err
	}
	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.Name
	}
	ok, err := cmd.MaybeConfirm(flag.ByName["-f"],
		"reset "+strings.Join(names, ", ")+"?")
	if err != nil || !ok {
		return err
	}

	s, err := cmd.OpenSession(parm.ByName["-config"])
	if err != nil {
		return err
	}
	defer s.Close()

	var ports []int
	for _, d := range domains {
		res, err := s.Resets.Reset(d)
		if err != nil {
			return err
		}
		Print(os.Stdout, res)
		if d.Scope == reset.ScopeCmac {
			ports = append(ports, d.Port)
		}
	}
	if flag.ByName["-reinit"] && len(ports) > 0 {
		return reinit(s, ports)
	}
	return nil
}

// Domains expands the command's domain arguments in order.
func Domains(args []string) ([]reset.Domain, error) {
	var domains []reset.Domain
	for _, arg := range args {
		switch strings.ToLower(arg) {
		case "all":
			domains = append(domains, reset.Cmac0, reset.Cmac1)
			continue
		case "gt0":
			arg = reset.Cmac0Gt.Name
		case "gt1":
			arg = reset.Cmac1Gt.Name
		}
		d, err := reset.ByName(arg)
		if err != nil {
			return nil, err
		}
		if d.Partial {
			return nil, fmt.Errorf("%s: %w", d.Name,
				reset.ErrPartialCmacReset)
		}
		domains = append(domains, d)
	}
	return domains, nil
}

// Print a reset result.
func Print(w io.Writer, res reset.Result) {
	d := res.Domain
	fmt.Fprintf(w, "%s: reset in %v", d.Name, res.Elapsed)
	if d.SelfClearing {
		fmt.Fprintf(w, ", %d polls", res.Polls)
	}
	if d.StatusMask != 0 {
		fmt.Fprintf(w, ", status %#x", res.Status)
	}
	if res.Incomplete {
		fmt.Fprint(w, ", incomplete")
	}
	fmt.Fprintln(w)
}

// Status prints the status of every domain that reports one.
func Status(w io.Writer, s *session.Session) error {
	for _, d := range reset.Domains {
		if d.StatusMask == 0 {
			continue
		}
		v, done, err := s.Resets.Status(d)
		if err != nil {
			return err
		}
		state := "pending"
		if done {
			state = "done"
		}
		fmt.Fprintf(w, "%-16s %#03x %s\n", d.Name, v&d.StatusMask,
			state)
	}
	return nil
}

const shellHelp = `DOMAIN...	reset system, shell, user, cmac0, cmac1, all, gt0 or gt1
s		status
d		diagnose
h		help
q		quit`

// Shell runs the interactive reset loop until q or end of input. Each
// reset is confirmed unless force is set.
func Shell(s *session.Session, p cmd.Prompter, w io.Writer,
	force bool) error {
	for {
		line, err := p.Prompt("reset> ")
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "q", "quit", "exit":
			return nil
		case "h", "help", "?":
			fmt.Fprintln(w, shellHelp)
			continue
		case "s", "status":
			if err = Status(w, s); err != nil {
				fmt.Fprintln(w, "error:", err)
			}
			continue
		case "d", "diagnose":
			snap, err := diag.Read(s.Space)
			fmt.Fprint(w, snap)
			if err != nil {
				fmt.Fprintln(w, "error:", err)
			}
			continue
		}
		domains, err := Domains(args)
		if err != nil {
			fmt.Fprintf(w, "%v, h for help\n", err)
			continue
		}
		for _, d := range domains {
			if !force {
				ok, err := cmd.Confirm(p, "reset "+d.Name+"?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(w, d.Name+": skipped")
					continue
				}
			}
			res, err := s.Resets.Reset(d)
			if err != nil {
				fmt.Fprintln(w, "error:", err)
				continue
			}
			Print(w, res)
		}
	}
}

// reinit brings ports back up after their reset without resetting them
// again.
func reinit(s *session.Session, ids []int) error {
	s.Config.Cmac.Reinit = false
	ports := make([]*cmac.Port, 0, len(ids))
	for _, id := range ids {
		p, err := s.Port(id)
		if err != nil {
			return err
		}
		ports = append(ports, p)
	}
	err := cmac.BringUpAll(ports...)
	for _, p := range ports {
		fmt.Printf("%s: %s after %d polls\n", p, p.State(), p.Polls())
	}
	return err
}
