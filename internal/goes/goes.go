// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package goes dispatches a multi-call program to its commands and provides
// the apropos, help, man and usage helpers.
package goes

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/platinasystems/flags"

	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/internal/lang"
)

type Goes struct {
	NAME    string
	USAGE   string
	APROPOS lang.Alt
	MAN     lang.Alt

	ByName map[string]cmd.Cmd
	// Stdout of the helpers, os.Stdout if nil.
	Stdout io.Writer
}

type maner interface {
	Man() lang.Alt
}

var section = struct {
	name, synopsis lang.Alt
}{
	name: lang.Alt{
		lang.EnUS: "NAME",
	},
	synopsis: lang.Alt{
		lang.EnUS: "SYNOPSIS",
	},
}

// Plot commands by name.
func (g *Goes) Plot(cmds ...cmd.Cmd) {
	if g.ByName == nil {
		g.ByName = make(map[string]cmd.Cmd)
	}
	for _, v := range cmds {
		name := v.String()
		if _, found := g.ByName[name]; found {
			panic(fmt.Errorf("%s: duplicate", name))
		}
		g.ByName[name] = v
	}
}

// Names returns the sorted names of visible commands.
func (g *Goes) Names() []string {
	names := make([]string, 0, len(g.ByName))
	for name, v := range g.ByName {
		if !cmd.WhatKind(v).IsHidden() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (g *Goes) String() string { return g.NAME }

func (g *Goes) Usage() string {
	if len(g.USAGE) > 0 {
		return g.USAGE
	}
	return g.NAME + ` COMMAND [ ARGS ]...
	` + g.NAME + ` COMMAND -[-]HELPER [ ARGS ]...
	` + g.NAME + ` HELPER [ COMMAND ]

	HELPER := { apropos | help | man | usage }`
}

func (g *Goes) Apropos() lang.Alt {
	if g.APROPOS != nil {
		return g.APROPOS
	}
	return lang.Alt{
		lang.EnUS: "multi-call command",
	}
}

func (g *Goes) Man() lang.Alt {
	if g.MAN != nil {
		return g.MAN
	}
	return lang.Alt{
		lang.EnUS: `
SEE ALSO
	` + g.NAME + ` apropos [COMMAND], ` + g.NAME + ` man COMMAND`,
	}
}

func (g *Goes) stdout() io.Writer {
	if g.Stdout != nil {
		return g.Stdout
	}
	return os.Stdout
}

// Main runs the named command. Without arguments it uses os.Args, where
// a first argument naming this program is skipped.
func (g *Goes) Main(args ...string) error {
	if len(args) == 0 {
		args = os.Args
		if len(args) > 0 {
			if _, found := g.ByName[filepath.Base(args[0])]; !found {
				args = args[1:]
			} else {
				args[0] = filepath.Base(args[0])
			}
		}
	}
	if len(args) == 0 {
		return fmt.Errorf("usage:\t%s", g.Usage())
	}
	cmd.Swap(args)
	flag, args := flags.New(args, "-h", "-help", "--help")
	if flag.ByName["-h"] || flag.ByName["-help"] || flag.ByName["--help"] {
		args = append([]string{"help"}, args...)
	}
	if len(args) == 0 {
		args = []string{"help"}
	}
	name, args := args[0], args[1:]
	switch name {
	case "apropos":
		return g.apropos(args...)
	case "help":
		return g.help(args...)
	case "man":
		return g.man(args...)
	case "usage":
		return g.usage(args...)
	}
	v, found := g.ByName[name]
	if !found {
		return fmt.Errorf("%s: command not found", name)
	}
	if err := v.Main(args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (g *Goes) lookup(args []string) (cmd.Cmd, error) {
	if len(args) == 0 {
		return g, nil
	}
	v, found := g.ByName[args[0]]
	if !found {
		return nil, fmt.Errorf("%s: not found", args[0])
	}
	return v, nil
}

func (g *Goes) apropos(args ...string) error {
	w := g.stdout()
	if len(args) == 0 {
		args = g.Names()
	}
	for _, name := range args {
		v, err := g.lookup([]string{name})
		if err != nil {
			return err
		}
		pad := 16 - len(name)
		if pad < 1 {
			pad = 1
		}
		fmt.Fprint(w, name, strings.Repeat(" ", pad), v.Apropos(), "\n")
	}
	return nil
}

func (g *Goes) help(args ...string) error {
	v, err := g.lookup(args)
	if err != nil {
		return err
	}
	w := g.stdout()
	fmt.Fprintln(w, "usage:\t"+strings.TrimSpace(v.Usage()))
	if v == cmd.Cmd(g) {
		fmt.Fprintln(w)
		return g.apropos()
	}
	return nil
}

func (g *Goes) usage(args ...string) error {
	v, err := g.lookup(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.stdout(), "usage:\t"+strings.TrimSpace(v.Usage()))
	return nil
}

func (g *Goes) man(args ...string) error {
	v, err := g.lookup(args)
	if err != nil {
		return err
	}
	w := g.stdout()
	fmt.Fprint(w, section.name, "\n\t", v, " - ", v.Apropos(), "\n\n",
		section.synopsis, "\n\t", strings.TrimSpace(v.Usage()), "\n")
	if method, found := v.(maner); found {
		man := method.Man().String()
		if !strings.HasPrefix(man, "\n") {
			fmt.Fprintln(w)
		}
		fmt.Fprint(w, man)
		if !strings.HasSuffix(man, "\n") {
			fmt.Fprintln(w)
		}
	}
	return nil
}
