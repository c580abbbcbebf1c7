// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package csrcmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"

	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/internal/lang"
)

type Command struct{}

func (Command) String() string { return "csr" }

func (Command) Usage() string {
	return `csr [-config FILE] [-f] OFFSET [-w VALUE]
	csr [-config FILE] -i
	csr -l`
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "read/write the card's control and status registers",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Read, or with -w write then read back, the 32-bit register at OFFSET
	of the card's register BAR. OFFSET is a number or a register name.

OPTIONS
	-w VALUE	write VALUE
	-f		don't ask before writing
	-i		interactive; r OFFSET, w OFFSET VALUE, h, q
	-l		list named registers
	-config FILE	session configuration`,
	}
}

func (Command) Kind() cmd.Kind { return cmd.Dangerous }

func (Command) Main(args ...string) error {
	flag, args := flags.New(args, "-f", "-i", "-l")
	parm, args := parms.New(args, "-config", "-w")

	if flag.ByName["-l"] {
		for _, off := range csr.Offsets() {
			fmt.Printf("%#08x %s\n", off, csr.Names[off])
		}
		return nil
	}
	if !flag.ByName["-i"] && len(args) == 0 {
		return cmd.Missing("OFFSET")
	}
	s, err := cmd.OpenSession(parm.ByName["-config"])
	if err != nil {
		return err
	}
	defer s.Close()

	if flag.ByName["-i"] {
		p := cmd.NewPrompter()
		defer p.Close()
		return Shell(s.Space, p, os.Stdout)
	}
	off, err := ParseOffset(args[0])
	if err != nil {
		return err
	}
	if w := parm.ByName["-w"]; len(w) > 0 {
		v, err := strconv.ParseUint(w, 0, 32)
		if err != nil {
			return fmt.Errorf("%s: %v", w, err)
		}
		ok, err := cmd.MaybeConfirm(flag.ByName["-f"],
			fmt.Sprintf("write %#x to %s?", v, csr.Name(off)))
		if err != nil || !ok {
			return err
		}
		if err = s.Space.Write32(off, uint32(v)); err != nil {
			return err
		}
	}
	v, err := s.Space.Read32(off)
	if err != nil {
		return err
	}
	fmt.Println(csr.Describe(off, v))
	return nil
}

// ParseOffset accepts a number or a register name.
func ParseOffset(s string) (uint32, error) {
	if off, found := csr.Lookup(s); found {
		return off, nil
	}
	u, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: not an offset or register name", s)
	}
	return uint32(u), nil
}

const shellHelp = `r OFFSET		read
w OFFSET VALUE	write and read back
h		help
q		quit`

// Shell runs the interactive register loop until q or end of input.
func Shell(space *csr.Space, p cmd.Prompter, w io.Writer) error {
	for {
		line, err := p.Prompt("csr> ")
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
		case "r", "read":
			if len(args) != 2 {
				fmt.Fprintln(w, "usage: r OFFSET")
				continue
			}
			shellRead(space, w, args[1])
		case "w", "write":
			if len(args) != 3 {
				fmt.Fprintln(w, "usage: w OFFSET VALUE")
				continue
			}
			v, err := strconv.ParseUint(args[2], 0, 32)
			if err != nil {
				fmt.Fprintln(w, "error:", err)
				continue
			}
			off, err := ParseOffset(args[1])
			if err == nil {
				err = space.Write32(off, uint32(v))
			}
			if err != nil {
				fmt.Fprintln(w, "error:", err)
				continue
			}
			shellRead(space, w, args[1])
		default:
			fmt.Fprintf(w, "%s: unknown, h for help\n", args[0])
		}
	}
}

func shellRead(space *csr.Space, w io.Writer, arg string) {
	off, err := ParseOffset(arg)
	if err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}
	v, err := space.Read32(off)
	if err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}
	fmt.Fprintln(w, csr.Describe(off, v))
}
