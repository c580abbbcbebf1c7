// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package cmd has what the reconic commands share: the command interface,
// helper flag handling, prompts and the card session they open.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/platinasystems/reconic/internal/lang"
	"github.com/platinasystems/reconic/session"
)

var Helpers = map[string]struct{}{
	"apropos": struct{}{},
	"help":    struct{}{},
	"man":     struct{}{},
	"usage":   struct{}{},
}

// Swap hyphen prefaced helper flags with command, so,
//
//	COMMAND -[-]HELPER [ARGS]...
//
// becomes
//
//	HELPER COMMAND [ARGS]...
func Swap(args []string) {
	n := len(args)
	if n > 0 && strings.HasPrefix(args[0], "-") {
		opt := strings.TrimLeft(args[0], "-")
		if _, found := Helpers[opt]; found {
			args[0] = opt
		}
	} else if n > 1 && strings.HasPrefix(args[1], "-") {
		opt := strings.TrimLeft(args[1], "-")
		if opt == "h" {
			opt = "help"
		}
		if _, found := Helpers[opt]; found {
			args[1] = args[0]
			args[0] = opt
		}
	}
}

type Cmd interface {
	Apropos() lang.Alt
	Main(...string) error
	// String returns the command name.
	String() string
	Usage() string
	/* Optional
	Kind() Kind
	Man() lang.Alt
	*/
}

var ErrNoCard = errors.New("no card access on this platform")

// Open builds the session of every command. It's replaced by tests to run
// commands against a simulated card.
var Open func(session.Config) (*session.Session, error)

// OpenSession loads the configuration file, the default if empty, and
// opens the card.
func OpenSession(config string) (*session.Session, error) {
	cfg, err := session.LoadConfig(config)
	if err != nil {
		return nil, err
	}
	if Open == nil {
		return nil, ErrNoCard
	}
	return Open(cfg)
}

// Missing formats a missing argument error.
func Missing(what string) error {
	return fmt.Errorf("%s: missing", what)
}
