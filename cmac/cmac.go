// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package cmac brings up the card's 100G Ethernet MAC ports.
//
// Bring-up enables RS-FEC, turns on RX and TX, waits for the PCS lanes to
// align, programs pause frame flow control and finally spreads the port's
// receive traffic over its QDMA queues.
//
// Lane alignment polls the latched RX status register. If the lanes have not
// aligned after EscalateAfter polls the port is reset once with the
// composite CMAC mask and RX/TX are re-enabled; after MaxPolls failed polls
// the port is Failed.
package cmac

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/platinasystems/log"
	"golang.org/x/sync/errgroup"

	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/internal/metrics"
	"github.com/platinasystems/reconic/internal/poll"
	"github.com/platinasystems/reconic/reset"
)

var (
	ErrLaneAlignmentTimeout = errors.New("lane alignment timeout")
	ErrPortFailed           = errors.New("port failed")
	ErrConfig               = errors.New("invalid port configuration")
)

type Config struct {
	RSFEC bool `yaml:"rsfec"`
	// Reinit resets the port with the composite mask before bring-up.
	Reinit           bool          `yaml:"reinit"`
	LanePollInterval time.Duration `yaml:"lane_poll_interval"`
	EscalateAfter    int           `yaml:"escalate_after"`
	MaxPolls         int           `yaml:"max_polls"`
	Queues           int           `yaml:"queues"`
	QueueBase        int           `yaml:"queue_base"`
	RetaEntries      int           `yaml:"reta_entries"`
}

func DefaultConfig() Config {
	return Config{
		RSFEC:            true,
		Reinit:           true,
		LanePollInterval: 50 * time.Millisecond,
		EscalateAfter:    8,
		MaxPolls:         32,
		Queues:           64,
		RetaEntries:      128,
	}
}

func (cfg *Config) validate() error {
	switch {
	case cfg.MaxPolls <= 0:
		return fmt.Errorf("max polls %d: %w", cfg.MaxPolls, ErrConfig)
	case cfg.Queues <= 0 || cfg.Queues > 0xffff:
		return fmt.Errorf("queues %d: %w", cfg.Queues, ErrConfig)
	case cfg.QueueBase < 0 || cfg.QueueBase > 0xffff:
		return fmt.Errorf("queue base %d: %w", cfg.QueueBase, ErrConfig)
	case cfg.RetaEntries < 0:
		return fmt.Errorf("reta entries %d: %w", cfg.RetaEntries,
			ErrConfig)
	}
	return nil
}

type State int

const (
	Reset State = iota
	RsFecConfigured
	RxTxEnabled
	LaneAligning
	Aligned
	Failed
	FlowControlConfigured
	Ready
)

var stateNames = []string{
	Reset:                 "reset",
	RsFecConfigured:       "rs-fec configured",
	RxTxEnabled:           "rx/tx enabled",
	LaneAligning:          "lane aligning",
	Aligned:               "aligned",
	Failed:                "failed",
	FlowControlConfigured: "flow control configured",
	Ready:                 "ready",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type Port struct {
	Clock   poll.Clock
	Metrics *metrics.Metrics

	id     int
	base   uint32
	domain reset.Domain
	space  *csr.Space
	resets *reset.Orchestrator
	cfg    Config

	mu        sync.Mutex
	state     State
	polls     int
	escalated bool
}

func New(space *csr.Space, resets *reset.Orchestrator, id int,
	cfg Config) (*Port, error) {
	domain, err := reset.Cmac(id)
	if err != nil {
		return nil, err
	}
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &Port{
		Clock:  poll.Wall,
		id:     id,
		base:   reset.CmacBase(id),
		domain: domain,
		space:  space,
		resets: resets,
		cfg:    cfg,
	}, nil
}

func (p *Port) String() string { return "cmac" + strconv.Itoa(p.id) }

func (p *Port) ID() int { return p.id }

func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Polls returns the number of lane status polls of the last bring-up.
func (p *Port) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Escalated reports whether the last bring-up had to reset the port.
func (p *Port) Escalated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escalated
}

func (p *Port) set(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	metrics.Or(p.Metrics).PortState.WithLabelValues(strconv.Itoa(p.id)).
		Set(float64(s))
	log.Print("debug", p, ": ", s)
}

// BringUp takes the port from reset to ready. A Failed port stays failed.
func (p *Port) BringUp() error {
	if p.State() == Failed {
		return fmt.Errorf("%s: %w", p, ErrPortFailed)
	}
	p.mu.Lock()
	p.polls = 0
	p.escalated = false
	p.mu.Unlock()
	p.set(Reset)

	if p.cfg.Reinit {
		if err := p.reset(); err != nil {
			return p.fail(err)
		}
	}
	if p.cfg.RSFEC {
		if err := p.write(RsfecConfEnable, rsfecEnable); err != nil {
			return p.fail(err)
		}
		if err := p.write(RsfecConfIndCorrection, rsfecIndCorr); err != nil {
			return p.fail(err)
		}
	}
	p.set(RsFecConfigured)
	if err := p.enableRxTx(); err != nil {
		return p.fail(err)
	}
	p.set(RxTxEnabled)

	p.set(LaneAligning)
	if err := p.alignLanes(); err != nil {
		return p.fail(err)
	}
	p.set(Aligned)

	if err := p.configureFlowControl(); err != nil {
		return p.fail(err)
	}
	p.set(FlowControlConfigured)

	// The link is up; without a RETA only load distribution suffers.
	if err := p.ConfigureReta(); err != nil {
		log.Print("warn", p, ": ", err)
	}
	p.set(Ready)
	log.Print("info", p, " ready after ", p.Polls(), " lane polls")
	return nil
}

func (p *Port) fail(err error) error {
	p.set(Failed)
	log.Print("err", p, ": ", err)
	return fmt.Errorf("%s: %w", p, err)
}

func (p *Port) write(off, v uint32) error {
	return p.space.Write32(p.base+off, v)
}

func (p *Port) reset() error {
	res, err := p.resets.Reset(p.domain)
	if err != nil {
		return err
	}
	if res.Incomplete {
		log.Print("warn", p, ": continuing after ", res.Err())
	}
	return nil
}

func (p *Port) enableRxTx() error {
	if err := p.write(ConfRx1, confRxEnable); err != nil {
		return err
	}
	return p.write(ConfTx1, confTxSendRfi)
}

// Aligned reports whether all RX lanes are aligned. The status register
// latches, so the first read clears stale bits.
func (p *Port) Aligned() (bool, error) {
	off := p.base + StatRxStatus
	if _, err := p.space.Read32(off); err != nil {
		return false, err
	}
	v, err := p.space.Read32(off)
	if err != nil {
		return false, err
	}
	return v == RxAligned, nil
}

func (p *Port) alignLanes() error {
	m := metrics.Or(p.Metrics)
	label := strconv.Itoa(p.id)
	poller := &poll.Poller{
		Interval: p.cfg.LanePollInterval,
		Attempts: p.cfg.MaxPolls,
		Clock:    p.Clock,
	}
	n, err := poller.Until(func(attempt int) (bool, error) {
		aligned, err := p.Aligned()
		if err != nil || aligned {
			return aligned, err
		}
		if attempt == p.cfg.EscalateAfter && !p.Escalated() {
			p.mu.Lock()
			p.escalated = true
			p.mu.Unlock()
			m.Escalations.WithLabelValues(label).Inc()
			log.Print("warn", p, ": lanes not aligned after ",
				attempt, " polls, resetting port")
			if err = p.reset(); err != nil {
				return false, err
			}
			if err = p.enableRxTx(); err != nil {
				return false, err
			}
		}
		return false, nil
	})
	p.mu.Lock()
	p.polls = n
	p.mu.Unlock()
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%d polls: %w", n, ErrLaneAlignmentTimeout)
	}
	if err != nil {
		return err
	}
	m.LanePolls.WithLabelValues(label).Observe(float64(n))
	return nil
}

func (p *Port) configureFlowControl() error {
	for _, x := range flowControl {
		if err := p.write(x.off, x.val); err != nil {
			return err
		}
	}
	return p.write(ConfTx1, confTxEnable)
}

// ConfigureReta programs the port's receive queue set and fills its
// indirection table round-robin. A queue set fault skips the table; entry
// write failures are logged and skipped.
func (p *Port) ConfigureReta() error {
	qconf := uint32(p.cfg.QueueBase)<<16 | uint32(p.cfg.Queues)
	if err := p.space.Write32(QConf(p.id), qconf); err != nil {
		return fmt.Errorf("reta qconf: %w", err)
	}
	skipped := 0
	for k := 0; k < p.cfg.RetaEntries; k++ {
		err := p.space.Write32(Indir(p.id, k), uint32(k%p.cfg.Queues))
		if err != nil {
			skipped++
			log.Print("warn", p, " reta entry ", k, ": ", err)
		}
	}
	if skipped > 0 {
		log.Print("warn", p, ": skipped ", skipped, " of ",
			p.cfg.RetaEntries, " reta entries")
	}
	return nil
}

// GtReset resets the port's transceivers.
func (p *Port) GtReset() error {
	d, err := reset.Gt(p.id)
	if err != nil {
		return err
	}
	_, err = p.resets.Reset(d)
	return err
}

// BringUpAll brings up independent ports concurrently and returns the first
// error after all have finished.
func BringUpAll(ports ...*Port) error {
	var g errgroup.Group
	for _, p := range ports {
		p := p
		g.Go(p.BringUp)
	}
	return g.Wait()
}
