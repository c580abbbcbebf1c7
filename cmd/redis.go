// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package cmd

import (
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/platinasystems/reconic/diag"
)

// DialRedis connects to the redis server at addr. Tests replace it.
var DialRedis = func(addr string) (redis.Conn, error) {
	return redis.Dial("tcp", addr,
		redis.DialConnectTimeout(2*time.Second),
		redis.DialReadTimeout(2*time.Second),
		redis.DialWriteTimeout(2*time.Second))
}

// Publish a diagnostics snapshot to the hash key of the server at addr.
func Publish(snap *diag.Snapshot, addr, key string) error {
	conn, err := DialRedis(addr)
	if err != nil {
		return fmt.Errorf("redis %s: %w", addr, err)
	}
	defer conn.Close()
	if err = snap.Publish(conn, key); err != nil {
		return fmt.Errorf("redis %s: %w", addr, err)
	}
	return nil
}
