// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rdma

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SendAddress writes a remote buffer address to a peer in network byte
// order.
func SendAddress(w io.Writer, addr uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], addr)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("send address: %w", err)
	}
	return nil
}

// ReceiveAddress reads a remote buffer address sent by SendAddress.
func ReceiveAddress(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("receive address: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
