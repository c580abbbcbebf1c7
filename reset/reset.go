// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package reset drives the card's hierarchical reset domains through their
// self-clearing reset registers.
//
// A reset writes the domain mask, polls until the hardware clears it, waits
// for the domain to settle and then checks the status bits. A status
// mismatch is reported in the Result but is not an error.
package reset

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinasystems/log"

	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/internal/metrics"
	"github.com/platinasystems/reconic/internal/poll"
)

var (
	ErrResetTimeout     = errors.New("reset did not self-clear")
	ErrResetIncomplete  = errors.New("reset status incomplete")
	ErrPartialCmacReset = errors.New("partial CMAC reset refused, use the composite")
	ErrUnknownDomain    = errors.New("unknown reset domain")
)

type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	SystemSettle time.Duration `yaml:"system_settle"`
	ShellSettle  time.Duration `yaml:"shell_settle"`
	UserSettle   time.Duration `yaml:"user_settle"`
	CmacSettle   time.Duration `yaml:"cmac_settle"`
	GtSettle     time.Duration `yaml:"gt_settle"`
	// Additional wait for the MAC after a composite CMAC reset.
	CmacInitDelay time.Duration `yaml:"cmac_init_delay"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Millisecond,
		Timeout:       10 * time.Second,
		SystemSettle:  200 * time.Millisecond,
		ShellSettle:   100 * time.Millisecond,
		UserSettle:    50 * time.Millisecond,
		CmacSettle:    50 * time.Millisecond,
		GtSettle:      100 * time.Millisecond,
		CmacInitDelay: 100 * time.Millisecond,
	}
}

// Settle returns the post-reset stabilization delay of a domain.
func (cfg *Config) Settle(d Domain) time.Duration {
	switch d.Scope {
	case ScopeSystem:
		return cfg.SystemSettle
	case ScopeShell:
		return cfg.ShellSettle
	case ScopeUser:
		return cfg.UserSettle
	case ScopeCmac:
		return cfg.CmacSettle + cfg.CmacInitDelay
	case ScopeGt:
		return cfg.GtSettle
	}
	return 0
}

type Result struct {
	Domain Domain
	// Register reads until the mask cleared.
	Polls int
	// Time from the reset write until the mask cleared.
	Elapsed time.Duration
	Status  uint32
	// Incomplete is set if the status bits did not all come up.
	Incomplete bool
}

// Err returns ErrResetIncomplete for incomplete results.
func (r Result) Err() error {
	if r.Incomplete {
		return fmt.Errorf("%s: status %#x, want %#x: %w", r.Domain.Name,
			r.Status, r.Domain.StatusMask, ErrResetIncomplete)
	}
	return nil
}

type Orchestrator struct {
	Clock   poll.Clock
	Metrics *metrics.Metrics

	space  *csr.Space
	cfg    Config
	mu     sync.Mutex
	idle   *sync.Cond
	active []Domain
}

func New(space *csr.Space, cfg Config) *Orchestrator {
	o := &Orchestrator{
		Clock: poll.Wall,
		space: space,
		cfg:   cfg,
	}
	o.idle = sync.NewCond(&o.mu)
	return o
}

func (o *Orchestrator) Config() Config { return o.cfg }

// Reset a domain and wait for it to settle. Concurrent resets of
// overlapping domains are serialized.
func (o *Orchestrator) Reset(d Domain) (Result, error) {
	res := Result{Domain: d}
	m := metrics.Or(o.Metrics)
	if d.Partial {
		m.Resets.WithLabelValues(d.Name, "refused").Inc()
		return res, fmt.Errorf("%s: %w", d.Name, ErrPartialCmacReset)
	}
	if d.ResetMask == 0 {
		return res, fmt.Errorf("%s: %w", d.Name, ErrUnknownDomain)
	}
	o.acquire(d)
	defer o.release(d)

	err := o.space.Write32(d.ResetOffset, d.ResetMask)
	if err != nil {
		m.Resets.WithLabelValues(d.Name, "error").Inc()
		return res, fmt.Errorf("%s reset: %w", d.Name, err)
	}
	start := o.Clock.Now()
	if d.SelfClearing {
		var last uint32
		p := &poll.Poller{
			Interval: o.cfg.PollInterval,
			Timeout:  o.cfg.Timeout,
			Clock:    o.Clock,
		}
		res.Polls, err = p.Until(func(int) (bool, error) {
			v, err := o.space.Read32(d.ResetOffset)
			last = v
			return v&d.ResetMask == 0, err
		})
		res.Elapsed = o.Clock.Now().Sub(start)
		if errors.Is(err, poll.ErrTimeout) {
			m.Resets.WithLabelValues(d.Name, "timeout").Inc()
			log.Print("err", d.Name, " reset register ",
				fmt.Sprintf("%#x", d.ResetOffset), " still ",
				fmt.Sprintf("%#x", last), " after ", res.Elapsed)
			return res, fmt.Errorf("%s: %#x after %v: %w", d.Name,
				last, res.Elapsed, ErrResetTimeout)
		}
		if err != nil {
			m.Resets.WithLabelValues(d.Name, "error").Inc()
			return res, fmt.Errorf("%s reset: %w", d.Name, err)
		}
		m.ResetPolls.WithLabelValues(d.Name).Observe(float64(res.Polls))
	}

	o.Clock.Sleep(o.cfg.Settle(d))

	if d.StatusMask != 0 {
		res.Status, err = o.space.Read32(d.StatusOffset)
		if err != nil {
			m.Resets.WithLabelValues(d.Name, "error").Inc()
			return res, fmt.Errorf("%s status: %w", d.Name, err)
		}
		if res.Status&d.StatusMask != d.StatusMask {
			res.Incomplete = true
			m.Resets.WithLabelValues(d.Name, "incomplete").Inc()
			log.Print("warn", res.Err())
			return res, nil
		}
	}
	m.Resets.WithLabelValues(d.Name, "ok").Inc()
	log.Print("info", d.Name, " reset complete in ", res.Elapsed)
	return res, nil
}

// Status reads a domain's status bits and whether they are all set. Domains
// without status report true.
func (o *Orchestrator) Status(d Domain) (uint32, bool, error) {
	if d.StatusMask == 0 {
		return 0, true, nil
	}
	v, err := o.space.Read32(d.StatusOffset)
	if err != nil {
		return 0, false, err
	}
	return v & d.StatusMask, v&d.StatusMask == d.StatusMask, nil
}

func (o *Orchestrator) acquire(d Domain) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.busy(d) {
		o.idle.Wait()
	}
	o.active = append(o.active, d)
}

func (o *Orchestrator) release(d Domain) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, x := range o.active {
		if x.Name == d.Name {
			o.active = append(o.active[:i], o.active[i+1:]...)
			break
		}
	}
	o.idle.Broadcast()
}

func (o *Orchestrator) busy(d Domain) bool {
	for _, x := range o.active {
		if x.Conflicts(d) {
			return true
		}
	}
	return false
}
