// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package csr

import (
	"fmt"
	"sort"
	"strings"
)

// Names of well known registers by BAR offset.
var Names = map[uint32]string{
	0x000000: "SYSCFG_BUILD_STATUS",
	0x000004: "SYSCFG_SYSTEM_RESET",
	0x000008: "SYSCFG_SYSTEM_STATUS",
	0x00000C: "SYSCFG_SHELL_RESET",
	0x000010: "SYSCFG_SHELL_STATUS",
	0x000014: "SYSCFG_USER_RESET",
	0x000018: "SYSCFG_USER_STATUS",

	0x008000: "CMAC0_GT_RESET",
	0x008004: "CMAC0_RESET",
	0x00800C: "CMAC0_CONF_TX_1",
	0x008014: "CMAC0_CONF_RX_1",
	0x008204: "CMAC0_STAT_RX_STATUS",
	0x008208: "CMAC0_STAT_STATUS_1",
	0x00C000: "CMAC1_GT_RESET",
	0x00C004: "CMAC1_RESET",
	0x00C00C: "CMAC1_CONF_TX_1",
	0x00C014: "CMAC1_CONF_RX_1",
	0x00C204: "CMAC1_STAT_RX_STATUS",
	0x00C208: "CMAC1_STAT_STATUS_1",

	0x016420: "AXIB_BDF_ADDR_TRANSLATE_ADDR_LSB",
	0x016424: "AXIB_BDF_ADDR_TRANSLATE_ADDR_MSB",
	0x016428: "AXIB_BDF_PASID_RESERVED_ADDR",
	0x01642C: "AXIB_BDF_FUNCTION_NUM_ADDR",
	0x016430: "AXIB_BDF_MAP_CONTROL_ADDR",

	0x060000: "RN_RDMA_GCSR_XRNICCONF",
	0x060004: "RN_RDMA_GCSR_XRNICADCONF",
	0x060010: "RN_RDMA_GCSR_MACXADDLSB",
	0x060014: "RN_RDMA_GCSR_MACXADDMSB",
	0x060070: "RN_RDMA_GCSR_IPV4XADD",
	0x060100: "RN_RDMA_GCSR_INSRRPKTCNT",
	0x060104: "RN_RDMA_GCSR_INAMPKTCNT",
	0x060108: "RN_RDMA_GCSR_OUTIOPKTCNT",

	0x102000: "RN_SCR_VERSION",
	0x102004: "RN_SCR_FATAL_ERR",
	0x102008: "RN_SCR_TRMHR_REG",
	0x10200C: "RN_SCR_TRMLR_REG",
	0x103000: "RN_CLR_CTL_CMD",
	0x103004: "RN_CLR_KER_STS",
	0x103008: "RN_CLR_JOB_SUBMITTED",
	0x10300C: "RN_CLR_JOB_COMPLETED_NOT_READ",
}

// Name returns the register name at off or "unknown".
func Name(off uint32) string {
	if s, found := Names[off]; found {
		return s
	}
	return "unknown"
}

// Describe formats a register value for display.
func Describe(off, v uint32) string {
	return fmt.Sprintf("[%#08x] %s: %#08x (%d)", off, Name(off), v, v)
}

// Lookup returns the offset of a named register, ignoring case.
func Lookup(name string) (uint32, bool) {
	name = strings.ToUpper(name)
	for off, s := range Names {
		if s == name {
			return off, true
		}
	}
	return 0, false
}

// Offsets returns the named register offsets in ascending order.
func Offsets() []uint32 {
	offs := make([]uint32, 0, len(Names))
	for off := range Names {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}
