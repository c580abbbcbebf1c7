// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package cmd

const (
	// Writes registers; needs confirmation on a terminal.
	Dangerous Kind = 1 << iota
	Hidden
)

func WhatKind(v Cmd) Kind {
	if m, found := v.(kinder); found {
		return m.Kind()
	}
	return 0
}

type kinder interface {
	Kind() Kind
}

type Kind uint16

func (k Kind) IsDangerous() bool { return (k & Dangerous) == Dangerous }
func (k Kind) IsHidden() bool    { return (k & Hidden) == Hidden }

func (k Kind) String() string {
	s := "unknown"
	switch k {
	case 0:
		s = "safe"
	case Dangerous:
		s = "dangerous"
	case Hidden:
		s = "hidden"
	}
	return s
}
