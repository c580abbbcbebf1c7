// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Resets.WithLabelValues("shell", "ok").Inc()
	m.Escalations.WithLabelValues("0").Inc()
	assert.Equal(t, 1.0,
		testutil.ToFloat64(m.Resets.WithLabelValues("shell", "ok")))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 2)
}

func TestOr(t *testing.T) {
	assert.NotNil(t, Or(nil))
	m := New(nil)
	assert.Same(t, m, Or(m))
}
