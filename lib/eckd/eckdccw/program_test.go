// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdccw_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

func testProgram(t *testing.T) *eckdccw.Program {
	ctx := dlog.NewTestContext(t, false)
	params := testParams()
	geom := params.Char.Geometry()

	var prog eckdccw.Program
	de, err := eckdccw.DefineExtent(ctx, params, 0, 0, eckdccw.CmdReadMT)
	require.NoError(t, err)
	prog.Append(de)
	prog.Append(eckdccw.LocateRecord(ctx, geom, 0, 1, 2, eckdccw.CmdReadMT, 4096))
	low := make([]byte, 4096)
	low[0] = 0xab
	prog.Append(eckdccw.DataOp(eckdccw.CmdReadMT, eckdmem.Segment{Addr: 0x2000, Buf: low}))
	prog.Append(eckdccw.DataOp(eckdccw.CmdReadMT, eckdmem.Segment{Addr: 0x1_0000_0000, Buf: make([]byte, 4096)}))
	return &prog
}

func TestPack(t *testing.T) {
	t.Parallel()
	prog := testProgram(t)
	defer prog.Release()
	require.Equal(t, 4, prog.Len())

	img, err := prog.Pack(0x1000)
	require.NoError(t, err)

	assert.Equal(t, []eckdmem.Addr{0x1020, 0x1040, 0x2000, 0x1050}, img.CDA)
	require.Len(t, img.Bytes, 0x58)
	assert.Equal(t, []byte{
		0x63, 0x40, 0x00, 0x10, 0x00, 0x00, 0x10, 0x20,
		0x47, 0x40, 0x00, 0x10, 0x00, 0x00, 0x10, 0x40,
		0x86, 0x40, 0x10, 0x00, 0x00, 0x00, 0x20, 0x00,
		0x86, 0x04, 0x10, 0x00, 0x00, 0x00, 0x10, 0x50,
	}, img.Bytes[:0x20])
	// define extent
	assert.Equal(t, []byte{0x40, 0xc0}, img.Bytes[0x20:0x22])
	// locate record
	assert.Equal(t, []byte{0x06, 0x80, 0x00, 0x02}, img.Bytes[0x40:0x44])
	// IDAL
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}, img.Bytes[0x50:0x58])
}

func TestPackErrors(t *testing.T) {
	t.Parallel()

	var prog eckdccw.Program
	prog.Append(eckdccw.Op{
		Cmd:   eckdccw.CmdReadMT,
		Count: 4096,
		Data:  eckdccw.Direct{Addr: 0x8000_0000, Buf: make([]byte, 4096)},
	})
	_, err := prog.Pack(0)
	assert.Error(t, err)

	prog = eckdccw.Program{}
	prog.Append(eckdccw.Op{
		Cmd:   eckdccw.CmdReadCount,
		Count: 8,
		Data:  make(eckdccw.Scratch, 8),
	})
	_, err = prog.Pack(0x7fff_fff8)
	assert.Error(t, err)
	_, err = prog.Pack(0x7fff_fff0)
	assert.NoError(t, err)

	prog.Ops[0].Flags |= eckdccw.FlagIDA
	_, err = prog.Pack(0)
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	t.Parallel()
	prog := testProgram(t)
	defer prog.Release()
	img, err := prog.Pack(0x1000)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, prog.Dump(&buf, img))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t,
		"CCW 0x00001000: 63400010 00001020 DAT:  40c00000 00000000  00000000 00000000",
		lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "CCW 0x00001010: 86401000 00002000 DAT:  ab000000"), lines[2])

	buf.Reset()
	require.NoError(t, prog.Describe(&buf))
	assert.Contains(t, buf.String(), "DEFINE_EXTENT flags=CC count=16 extent=[0/0,0/0] perm=1 auth=0 cache=normal")
	assert.Contains(t, buf.String(), "idal [0x100000000]")
}
