// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/platinasystems/liner"
)

type Prompter interface {
	Prompt(string) (string, error)
	Close()
}

// Terminal reports whether stdin is a terminal.
func Terminal() bool {
	return isatty.IsTerminal(uintptr(syscall.Stdin))
}

// Scanner prompts scripts and terminals unsupported by liner.
type Scanner struct {
	scanner *bufio.Scanner
	w       io.Writer
}

func NewScanner(r io.Reader, w io.Writer) *Scanner {
	return &Scanner{bufio.NewScanner(r), w}
}

func (p *Scanner) Close() {}

func (p *Scanner) Prompt(prompt string) (string, error) {
	if p.w != nil {
		fmt.Fprint(p.w, prompt)
	}
	if p.scanner.Scan() {
		return p.scanner.Text(), nil
	}
	err := p.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	return "", err
}

// Liner is a line editor with history that falls back to a Scanner when
// output isn't a terminal.
type Liner struct {
	s        *liner.State
	fallback *Scanner
}

// NewPrompter returns a Liner on a terminal, otherwise a Scanner of stdin.
func NewPrompter() Prompter {
	if !Terminal() {
		return NewScanner(os.Stdin, nil)
	}
	l := &Liner{s: liner.NewLiner()}
	l.s.SetCtrlCAborts(true)
	return l
}

func (l *Liner) Close() { l.s.Close() }

func (l *Liner) Prompt(prompt string) (string, error) {
	if l.fallback != nil {
		return l.fallback.Prompt(prompt)
	}
	line, err := l.s.Prompt(prompt)
	if err == nil {
		if len(strings.TrimSpace(line)) > 0 {
			l.s.AppendHistory(line)
		}
	} else if err == liner.ErrNotTerminalOutput {
		l.fallback = NewScanner(os.Stdin, os.Stdout)
		line, err = l.fallback.Prompt(prompt)
	} else if err == liner.ErrPromptAborted {
		err = io.EOF
	}
	return line, err
}

// Confirm asks question and accepts y or yes.
func Confirm(p Prompter, question string) (bool, error) {
	s, err := p.Prompt(question + " [y/N] ")
	if err != nil {
		if err == io.EOF {
			err = nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// MaybeConfirm confirms on a terminal unless forced. Scripts proceed.
func MaybeConfirm(force bool, question string) (bool, error) {
	if force || !Terminal() {
		return true, nil
	}
	p := NewPrompter()
	defer p.Close()
	return Confirm(p, question)
}
