// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package bringup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/reconic/cmac"
	"github.com/platinasystems/reconic/cmd/cmdtest"
	"github.com/platinasystems/reconic/reset"
	"github.com/platinasystems/reconic/session"
)

func TestParsePorts(t *testing.T) {
	ids, err := ParsePorts([]string{"cmac1", "0"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, ids)
	_, err = ParsePorts([]string{"2"})
	assert.True(t, errors.Is(err, reset.ErrUnknownDomain))
	_, err = ParsePorts([]string{"eth0"})
	assert.Error(t, err)
}

func TestBringUp(t *testing.T) {
	c := cmdtest.New()
	defer c.Install()()
	c.Aligned(0)
	c.Aligned(1)
	metrics := filepath.Join(t.TempDir(), "reconic.prom")
	require.NoError(t, Command{}.Main("-f", "-redis", "redis:6379",
		"-metrics", metrics))

	written := c.Written(reset.ShellResetReg)
	require.Len(t, written, 3)
	assert.Equal(t, uint32(reset.ShellAll), written[0])
	assert.ElementsMatch(t, []uint32{reset.Cmac0Complete,
		reset.Cmac1Complete}, written[1:])
	for _, base := range []uint32{reset.Cmac0Base, reset.Cmac1Base} {
		assert.Equal(t, []uint32{0x3}, c.Written(base+cmac.RsfecConfEnable))
	}

	assert.Equal(t, []string{"redis:6379"}, c.Redis.Addrs)
	assert.Equal(t, "true", c.Redis.Field("reconic", "cmac1.aligned"))
	assert.Equal(t, "all shell subsystems healthy",
		c.Redis.Field("reconic", "advice"))

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), `reconic_cmac_state{port="1"} 7`)
	require.Len(t, c.Sessions, 1)
	assert.True(t, c.Sessions[0].Closed())
}

func TestMainNoReset(t *testing.T) {
	c := cmdtest.New()
	defer c.Install()()
	c.Aligned(1)
	require.NoError(t, Command{}.Main("-no-reset", "cmac1"))
	assert.Empty(t, c.Written(reset.ShellResetReg))
	assert.Empty(t, c.Written(reset.Cmac0Base+cmac.ConfRx1))
	assert.Equal(t, []uint32{1}, c.Written(reset.Cmac1Base+cmac.ConfRx1))
	assert.Empty(t, c.Redis.Addrs)
}

func TestMainFailedPort(t *testing.T) {
	c := cmdtest.New()
	defer c.Install()()
	c.Aligned(0)
	c.Configure = func(cfg *session.Config) {
		cfg.Redis = "localhost:6379"
	}
	err := Command{}.Main("-f", "-publish")
	assert.True(t, errors.Is(err, cmac.ErrLaneAlignmentTimeout))
	// diagnostics are still published
	assert.Equal(t, []string{"localhost:6379"}, c.Redis.Addrs)
	assert.Equal(t, "false", c.Redis.Field("reconic", "cmac1.aligned"))
}

func ExampleCommand_Main() {
	c := cmdtest.New()
	defer c.Install()()
	c.Aligned(0)
	// cmac1 locks after its escalation reset
	c.OnRead(reset.Cmac1Base+cmac.StatRxStatus, func(n int) uint32 {
		if n > 20 {
			return 0x3
		}
		return 0x2
	})
	Command{}.Main("-f")
	// Output:
	// shell: reset, status 0x333
	// cmac0: ready after 1 polls
	// cmac1: ready after 11 polls, escalated
	// all shell subsystems healthy
}
