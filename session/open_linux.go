// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package session

import (
	"github.com/platinasystems/log"

	"github.com/platinasystems/reconic/csr"
	"github.com/platinasystems/reconic/dmabuf"
	"github.com/platinasystems/reconic/xfer"
)

// Open maps the card's registers, huge page host memory and, if
// configured, the DMA device. A failed Open releases what it acquired.
func Open(cfg Config) (*Session, error) {
	s := newSession(cfg)
	res, err := csr.MapResource(cfg.Resource, cfg.MapSize)
	if err != nil {
		return nil, err
	}
	s.Defer("registers", closer(res))
	s.Space = res.Space
	var t xfer.Transport
	if len(cfg.Device) > 0 {
		dev, err := xfer.OpenCharDev(cfg.Device)
		if err != nil {
			s.Close()
			return nil, err
		}
		dev.Metrics = s.Metrics
		s.Defer("dma device", closer(dev))
		t = dev
	}
	if err = s.init(&dmabuf.Hugepages{Pagemap: cfg.Pagemap}, t); err != nil {
		s.Close()
		return nil, err
	}
	log.Print("info", "session ", s.ID, " ", cfg.Resource)
	return s, nil
}
