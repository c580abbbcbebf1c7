// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package session holds everything a command acquires from the card: the
// register window, DMA memory, the transport and the components built on
// them. Acquisitions are released in reverse order by Close.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/platinasystems/log"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"
	"gopkg.in/yaml.v2"

	"github.com/platinasystems/reconic/cmac"
	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/internal/metrics"
	"github.com/platinasystems/reconic/internal/poll"
	"github.com/platinasystems/reconic/rdma"
	"github.com/platinasystems/reconic/reset"
	"github.com/platinasystems/reconic/xfer"
)

const DefaultConfigFile = "/etc/reconic.yaml"

var ErrClosed = errors.New("session closed")

type Config struct {
	// Sysfs PCIe BAR resource of the card's registers.
	Resource string `yaml:"resource"`
	MapSize  int    `yaml:"map_size"`
	// DMA memory mapped character device, empty for none.
	Device  string `yaml:"device"`
	Pagemap string `yaml:"pagemap"`

	AddressMap dmabuf.AddressMap `yaml:"address_map"`
	Reset      reset.Config      `yaml:"reset"`
	Cmac       cmac.Config       `yaml:"cmac"`
	Ports      []int             `yaml:"ports"`
	Rdma       rdma.EngineConfig `yaml:"rdma"`

	// Node exporter textfile written by WriteMetrics, empty for none.
	MetricsFile string `yaml:"metrics_file"`
	Redis       string `yaml:"redis"`
	RedisKey    string `yaml:"redis_key"`
}

func DefaultConfig() Config {
	return Config{
		Resource:   csr.DefaultResource,
		MapSize:    csr.DefaultMapSize,
		Device:     xfer.DefaultDevice,
		AddressMap: dmabuf.DefaultAddressMap(),
		Reset:      reset.DefaultConfig(),
		Cmac:       cmac.DefaultConfig(),
		Ports:      []int{0, 1},
		Rdma:       rdma.DefaultEngineConfig(),
		Redis:      "localhost:6379",
		RedisKey:   "reconic",
	}
}

// ParseConfig decodes YAML over the defaults.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads path, or returns the defaults if path is empty or the
// default file is absent.
func LoadConfig(path string) (Config, error) {
	explicit := len(path) > 0
	if !explicit {
		path = DefaultConfigFile
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return DefaultConfig(), err
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

type release struct {
	name string
	fn   func() error
}

type Session struct {
	ID        uuid.UUID
	Config    Config
	Space     *csr.Space
	Allocator *dmabuf.Allocator
	// Transport is nil without a DMA device.
	Transport xfer.Transport
	Resets    *reset.Orchestrator
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Clock     poll.Clock

	mu     sync.Mutex
	stack  []release
	closed bool
}

func newSession(cfg Config) *Session {
	reg := prometheus.NewRegistry()
	return &Session{
		ID:       uuid.NewV4(),
		Config:   cfg,
		Metrics:  metrics.New(reg),
		Registry: reg,
		Clock:    poll.Wall,
	}
}

// New builds a session over an already acquired register window, host
// memory and transport, which may be nil. Closers among them are not
// released by the session.
func New(cfg Config, w csr.Window, host dmabuf.HostMemory,
	t xfer.Transport) (*Session, error) {
	s := newSession(cfg)
	s.Space = csr.New(w)
	if err := s.init(host, t); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) init(host dmabuf.HostMemory, t xfer.Transport) error {
	if s.Space.Size() == 0 {
		return fmt.Errorf("empty register window: %w",
			csr.ErrInvalidOffset)
	}
	s.Allocator = dmabuf.New(s.Config.AddressMap, host)
	s.Allocator.Metrics = s.Metrics
	s.Defer("dma buffers", s.Allocator.Close)
	s.Transport = t
	s.Resets = reset.New(s.Space, s.Config.Reset)
	s.Resets.Clock = s.Clock
	s.Resets.Metrics = s.Metrics
	log.Print("debug", "session ", s.ID, " ", s.Space.Size(),
		" register bytes")
	return nil
}

// Defer pushes fn on the release stack.
func (s *Session) Defer(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, release{name, fn})
}

// SetClock replaces the clock of the session's orchestrator and of the
// ports built after.
func (s *Session) SetClock(c poll.Clock) {
	s.Clock = c
	if s.Resets != nil {
		s.Resets.Clock = c
	}
}

// Port builds the bring-up state machine of a CMAC port.
func (s *Session) Port(id int) (*cmac.Port, error) {
	p, err := cmac.New(s.Space, s.Resets, id, s.Config.Cmac)
	if err != nil {
		return nil, err
	}
	p.Clock = s.Clock
	p.Metrics = s.Metrics
	return p, nil
}

// Ports builds the configured CMAC ports.
func (s *Session) Ports() ([]*cmac.Port, error) {
	ports := make([]*cmac.Port, 0, len(s.Config.Ports))
	for _, id := range s.Config.Ports {
		p, err := s.Port(id)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Engine opens the RDMA engine, closed with the session.
func (s *Session) Engine() (*rdma.Engine, error) {
	e, err := rdma.Open(s.Space, s.Allocator, s.Transport, s.Config.Rdma)
	if err != nil {
		return nil, err
	}
	e.Metrics = s.Metrics
	s.Defer("rdma engine", e.Close)
	return e, nil
}

// WriteMetrics writes the session's collectors in the text exposition
// format to path, or the configured metrics file if path is empty.
func (s *Session) WriteMetrics(path string) error {
	if len(path) == 0 {
		path = s.Config.MetricsFile
	}
	if len(path) == 0 {
		return nil
	}
	return prometheus.WriteToTextfile(path, s.Registry)
}

// Close releases every acquisition in reverse order. Only the first call
// has effect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stack := s.stack
	s.stack = nil
	s.mu.Unlock()
	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		if err := stack[i].fn(); err != nil {
			log.Print("warn", "release ", stack[i].name, ": ", err)
			errs = append(errs, fmt.Errorf("%s: %w", stack[i].name,
				err))
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// closer adapts an io.Closer to the release stack.
func closer(c io.Closer) func() error { return c.Close }
