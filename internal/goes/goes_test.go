// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package goes

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/internal/lang"
)

type echo struct{ args *[]string }

func (echo) String() string { return "echo" }
func (echo) Usage() string  { return "echo [STRING]..." }

func (echo) Apropos() lang.Alt {
	return lang.Alt{lang.EnUS: "print arguments"}
}

func (echo) Man() lang.Alt {
	return lang.Alt{lang.EnUS: `
DESCRIPTION
	Record the arguments.`}
}

func (e echo) Main(args ...string) error {
	*e.args = args
	if len(args) > 0 && args[0] == "fail" {
		return errors.New("failed")
	}
	return nil
}

type secret struct{}

func (secret) String() string       { return "secret" }
func (secret) Usage() string        { return "secret" }
func (secret) Apropos() lang.Alt    { return lang.Alt{lang.EnUS: "hidden"} }
func (secret) Main(...string) error { return nil }
func (secret) Kind() cmd.Kind       { return cmd.Hidden }

func newGoes(args *[]string) *Goes {
	g := &Goes{NAME: "nic"}
	g.Plot(echo{args}, secret{})
	return g
}

func TestDispatch(t *testing.T) {
	var args []string
	g := newGoes(&args)
	require.NoError(t, g.Main("echo", "a", "b"))
	assert.Equal(t, []string{"a", "b"}, args)

	err := g.Main("echo", "fail")
	assert.EqualError(t, err, "echo: failed")
	assert.EqualError(t, g.Main("nope"), "nope: command not found")
	assert.Error(t, g.Main("man", "nope"))
	assert.Equal(t, []string{"echo"}, g.Names())
	assert.Panics(t, func() { g.Plot(secret{}) })
}

func TestOsArgs(t *testing.T) {
	var args []string
	g := newGoes(&args)
	save := os.Args
	defer func() { os.Args = save }()

	os.Args = []string{"/usr/bin/nic", "echo", "x"}
	require.NoError(t, g.Main())
	assert.Equal(t, []string{"x"}, args)

	os.Args = []string{"/usr/bin/echo", "y"}
	require.NoError(t, g.Main())
	assert.Equal(t, []string{"y"}, args)
}

func ExampleGoes_Main_apropos() {
	var args []string
	g := newGoes(&args)
	g.Main("apropos")
	// Output:
	// echo            print arguments
}

func ExampleGoes_Main_help() {
	var args []string
	g := newGoes(&args)
	g.Main("echo", "-help")
	g.Main("usage", "secret")
	// Output:
	// usage:	echo [STRING]...
	// usage:	secret
}

func ExampleGoes_Main_man() {
	var args []string
	g := newGoes(&args)
	g.Main("echo", "--man")
	// Output:
	// NAME
	//	echo - print arguments
	//
	// SYNOPSIS
	//	echo [STRING]...
	//
	// DESCRIPTION
	//	Record the arguments.
}
