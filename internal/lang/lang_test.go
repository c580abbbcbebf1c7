// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lang

import "testing"

func TestAlt(t *testing.T) {
	env = ZhCN
	defer func() { env = "" }()
	m := Alt{EnUS: "reset", ZhCN: "复位"}
	if s := m.String(); s != "复位" {
		t.Fatal("got", s)
	}
	delete(m, ZhCN)
	if s := m.String(); s != "reset" {
		t.Fatal("fallback got", s)
	}
	if s := (Alt{}).String(); s != "" {
		t.Fatal("empty got", s)
	}
}
