// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package main

import (
	"github.com/platinasystems/reconic/cmd/bringup"
	"github.com/platinasystems/reconic/cmd/csrcmd"
	"github.com/platinasystems/reconic/cmd/dmatest"
	"github.com/platinasystems/reconic/cmd/rdmaread"
	"github.com/platinasystems/reconic/cmd/resetcmd"
	"github.com/platinasystems/reconic/cmd/status"
	"github.com/platinasystems/reconic/internal/goes"
	"github.com/platinasystems/reconic/internal/lang"
)

// Goes returns the reconic multi-call command.
func Goes() *goes.Goes {
	g := &goes.Goes{
		NAME: "reconic",
		APROPOS: lang.Alt{
			lang.EnUS: "RecoNIC smart NIC control",
		},
		MAN: lang.Alt{
			lang.EnUS: `
DESCRIPTION
	Bring up, reset, inspect and exercise a RecoNIC card through its
	PCIe register BAR and DMA device.

	The card is described by /etc/reconic.yaml unless a command is
	given -config FILE.

SEE ALSO
	reconic apropos, reconic man COMMAND`,
		},
	}
	g.Plot(
		bringup.Command{},
		csrcmd.Command{},
		dmatest.Command{},
		rdmaread.Command{},
		resetcmd.Command{},
		status.Command{},
	)
	return g
}
