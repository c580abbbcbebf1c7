// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoes(t *testing.T) {
	g := Goes()
	assert.Equal(t, []string{"bringup", "csr", "dmatest", "rdmaread",
		"reset", "status"}, g.Names())
	assert.Panics(t, func() { g.Plot(g.ByName["csr"]) })
	assert.Error(t, g.Main("bogus"))
}
