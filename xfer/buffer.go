// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xfer

import (
	"errors"
	"fmt"

	"github.com/platinasystems/reconic/dmabuf"
)

var ErrNoTransport = errors.New("device memory needs a transport")

func onDevice(buf *dmabuf.Buffer) bool {
	return buf.Owner().AddressMap().IsDevice(buf.DMAAddr())
}

// ReadBuffer returns a copy of buf's contents, fetched through t if the
// buffer is in device memory.
func ReadBuffer(t Transport, buf *dmabuf.Buffer) ([]byte, error) {
	if buf.Released() {
		return nil, fmt.Errorf("%s: %w", buf, dmabuf.ErrReleased)
	}
	if onDevice(buf) {
		if t == nil {
			return nil, fmt.Errorf("%s: %w", buf, ErrNoTransport)
		}
		return t.Read(buf.DMAAddr(), int(buf.Size()))
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// WriteBuffer fills buf from data, through t if the buffer is in device
// memory.
func WriteBuffer(t Transport, buf *dmabuf.Buffer, data []byte) error {
	if buf.Released() {
		return fmt.Errorf("%s: %w", buf, dmabuf.ErrReleased)
	}
	if uint64(len(data)) > buf.Size() {
		return fmt.Errorf("%s: %d bytes too large", buf, len(data))
	}
	if onDevice(buf) {
		if t == nil {
			return fmt.Errorf("%s: %w", buf, ErrNoTransport)
		}
		return t.Write(buf.DMAAddr(), data)
	}
	copy(buf.Bytes(), data)
	return nil
}
