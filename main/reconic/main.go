// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Reconic is the control program of a RecoNIC smart NIC.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Goes().Main(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
