// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

func TestFprintf(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	textui.Fprintf(&out, "%d", 12345)
	assert.Equal(t, "12,345", out.String())
}

func TestHumanized(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "12,345", fmt.Sprint(textui.Humanized(12345)))
	assert.Equal(t, "12,345  ", fmt.Sprintf("%-8d", textui.Humanized(12345)))
	assert.Equal(t, "wrote 1,048,576 blocks", fmt.Sprintf("wrote %v blocks", textui.Humanized(uint64(1<<20))))

	addr := eckdmem.Addr(345243543)
	assert.Equal(t, "0x1493ff97", fmt.Sprintf("%v", textui.Humanized(addr)))
	assert.Equal(t, "345243543", fmt.Sprintf("%d", textui.Humanized(addr)))
	assert.Equal(t, "345,243,543", fmt.Sprintf("%d", textui.Humanized(uint64(addr))))
}

func TestPortion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[int]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[int]{N: 1, D: 12345}))
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[eckdmem.Addr]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[eckdmem.Addr]{N: 1, D: 12345}))
}

func TestIEC(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Format string
		Val    float64
		Exp    string
	}
	testcases := map[string]TestCase{
		"bytes":    {Format: "%v", Val: 512, Exp: "512B"},
		"kibi":     {Format: "%.1f", Val: 1536, Exp: "1.5KiB"},
		"volume":   {Format: "%.2f", Val: 3339 * 15 * 12 * 4096, Exp: "2.29GiB"},
		"track":    {Format: "%.0f", Val: 56664, Exp: "55KiB"},
		"negative": {Format: "%.1f", Val: -2048, Exp: "-2.0KiB"},
		"width":    {Format: "%8.1f", Val: 1023 * 1024, Exp: "1023.0KiB"},
		"padded":   {Format: "%8.1f", Val: 1536, Exp: "  1.5KiB"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Exp, fmt.Sprintf(tc.Format, textui.IEC(tc.Val, "B")))
		})
	}
}
