// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmatest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/platinasystems/parms"

	"github.com/platinasystems/reconic/cmd"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/lang"
	"github.com/platinasystems/reconic/xfer"
)

// Bytes of a mismatched block that are dumped.
const dumpMax = 256

// Block offsets stay within the first page.
const offsetMask = dmabuf.PageSize - 1

type Command struct{}

func (Command) String() string { return "dmatest" }

func (Command) Usage() string {
	return `dmatest [-config FILE] [-c CYCLES] [-s SIZE] [-o OFFSET]
	[-l LOCATION | -a ADDR]`
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "write, read back and verify DMA blocks",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Each cycle writes SIZE bytes of the pattern (cycle + i) mod 256 to a
	DMA buffer, reads them back and compares. The first mismatch stops
	the test and dumps the written and read bytes, differences marked
	with *.

OPTIONS
	-c CYCLES	default 1
	-s SIZE		bytes per cycle, default 4096
	-o OFFSET	start the block OFFSET mod 4096 bytes into the
			buffer or address, default 0
	-l LOCATION	allocate the buffer in host or device memory,
			default device
	-a ADDR		use the device address ADDR instead of allocating
	-config FILE	session configuration`,
	}
}

func (Command) Main(args ...string) error {
	parm, args := parms.New(args, "-config", "-c", "-s", "-o", "-a",
		"-l")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected", args)
	}
	cycles, err := number(parm.ByName["-c"], 1)
	if err != nil {
		return err
	}
	size, err := number(parm.ByName["-s"], 4096)
	if err != nil {
		return err
	}
	if cycles == 0 || size == 0 {
		return fmt.Errorf("cycles and size must be positive")
	}
	offset, err := number(parm.ByName["-o"], 0)
	if err != nil {
		return err
	}
	loc := dmabuf.Device
	if s := parm.ByName["-l"]; len(s) > 0 {
		if loc, err = dmabuf.ParseLocation(s); err != nil {
			return err
		}
	}

	s, err := cmd.OpenSession(parm.ByName["-config"])
	if err != nil {
		return err
	}
	defer s.Close()

	t := &Test{
		Transport: s.Transport,
		Offset:    int(offset & offsetMask),
		Stdout:    os.Stdout,
	}
	if a := parm.ByName["-a"]; len(a) > 0 {
		if t.Addr, err = strconv.ParseUint(a, 0, 64); err != nil {
			return fmt.Errorf("%s: %v", a, err)
		}
	} else {
		t.Buffer, err = s.Allocator.Allocate(size+uint64(t.Offset), loc)
		if err != nil {
			return err
		}
		defer t.Buffer.Release()
	}
	if err = t.Run(int(cycles), int(size)); err != nil {
		return err
	}
	fmt.Printf("%d cycles of %d bytes at %#x passed\n", cycles, size,
		t.addr())
	return nil
}

func number(s string, def uint64) (uint64, error) {
	if len(s) == 0 {
		return def, nil
	}
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", s, err)
	}
	return u, nil
}

// Test moves blocks through Buffer, or the raw device address Addr if
// Buffer is nil.
type Test struct {
	Transport xfer.Transport
	Buffer    *dmabuf.Buffer
	Addr      uint64
	// Bytes from the start of Buffer or Addr to the block.
	Offset int
	// Stdout receives mismatch dumps.
	Stdout io.Writer
}

func (t *Test) addr() uint64 {
	if t.Buffer != nil {
		return t.Buffer.DMAAddr() + uint64(t.Offset)
	}
	return t.Addr + uint64(t.Offset)
}

func (t *Test) write(data []byte) error {
	if t.Buffer != nil {
		b := make([]byte, t.Offset+len(data))
		copy(b[t.Offset:], data)
		return xfer.WriteBuffer(t.Transport, t.Buffer, b)
	}
	if t.Transport == nil {
		return xfer.ErrNoTransport
	}
	return t.Transport.Write(t.addr(), data)
}

func (t *Test) read(n int) ([]byte, error) {
	if t.Buffer != nil {
		b, err := xfer.ReadBuffer(t.Transport, t.Buffer)
		if err != nil {
			return nil, err
		}
		b = b[min(t.Offset, len(b)):]
		return b[:min(n, len(b))], nil
	}
	if t.Transport == nil {
		return nil, xfer.ErrNoTransport
	}
	return t.Transport.Read(t.addr(), n)
}

// Run the given number of pattern cycles of size bytes.
func (t *Test) Run(cycles, size int) error {
	for cycle := 0; cycle < cycles; cycle++ {
		want := xfer.Pattern(cycle, size)
		if err := t.write(want); err != nil {
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
		got, err := t.read(size)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
		err = xfer.Verify(want, got)
		var mismatch *xfer.MismatchError
		if errors.As(err, &mismatch) && t.Stdout != nil {
			xfer.Dump(t.Stdout, want, got, dumpMax)
		}
		if err != nil {
			return fmt.Errorf("cycle %d at %#x: %w", cycle, t.addr(),
				err)
		}
	}
	return nil
}
