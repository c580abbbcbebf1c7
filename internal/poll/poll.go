// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package poll repeats a hardware check at a fixed interval until it reports
// done, the attempt ceiling is hit, or the elapsed time budget runs out.
package poll

import (
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

var (
	ErrTimeout   = errors.New("timeout")
	ErrUnbounded = errors.New("poll without timeout or attempt limit")
)

type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

type wall struct{}

func (wall) Now() time.Time        { return time.Now() }
func (wall) Sleep(d time.Duration) { time.Sleep(d) }

// Wall is the real time clock.
var Wall Clock = wall{}

type Poller struct {
	Interval time.Duration
	// Zero Timeout or Attempts disables the respective limit; one of
	// them must be set.
	Timeout  time.Duration
	Attempts int
	Clock    Clock
}

// Until calls check, sleeping Interval between calls, until check returns
// true or an error. The first call is made without delay. It returns the
// number of calls made and, if the budget is exhausted first, ErrTimeout.
func (p *Poller) Until(check func(attempt int) (bool, error)) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = Wall
	}
	b := &backoff.Backoff{
		Min:    p.Interval,
		Max:    p.Interval,
		Factor: 1,
		Jitter: false,
	}
	if p.Timeout <= 0 && p.Attempts <= 0 {
		return 0, ErrUnbounded
	}
	start := clock.Now()
	for n := 1; ; n++ {
		done, err := check(n)
		if err != nil {
			return n, err
		}
		if done {
			return n, nil
		}
		if p.Attempts > 0 && n >= p.Attempts {
			return n, ErrTimeout
		}
		if p.Timeout > 0 && clock.Now().Sub(start) >= p.Timeout {
			return n, ErrTimeout
		}
		if p.Interval > 0 {
			clock.Sleep(b.Duration())
		}
	}
}

// FakeClock is a Clock whose Sleep advances Now without blocking.
type FakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	naps  int
}

func NewFakeClock() *FakeClock {
	t := time.Unix(0, 0)
	return &FakeClock{start: t, now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.naps++
}

// Elapsed returns the total simulated sleep.
func (c *FakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}

// Naps returns the number of Sleep calls.
func (c *FakeClock) Naps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.naps
}
