// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdccw

import (
	"fmt"
	"io"
	"strings"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// dumpDataMax is how many bytes of each CCW's data are shown.
const dumpDataMax = 32

// Dump writes one line per CCW of a packed program: its address, its
// 8 raw bytes, and up to 32 bytes of the data it addresses (following
// the IDAL, for IDA CCWs).
func (p *Program) Dump(w io.Writer, img *Image) error {
	for i, op := range p.Ops {
		raw := img.Bytes[i*CCWSize : (i+1)*CCWSize]
		var line strings.Builder
		fmt.Fprintf(&line, "CCW %v: %02X%02X%02X%02X %02X%02X%02X%02X DAT:",
			img.Base.Add(i*CCWSize),
			raw[0], raw[1], raw[2], raw[3],
			raw[4], raw[5], raw[6], raw[7])

		var dat []byte
		switch data := op.Data.(type) {
		case nil:
		case Direct:
			dat = data.Buf
		case Indirect:
			dat = data.Buf
		default:
			beg := int(img.CDA[i] - img.Base)
			dat = img.Bytes[beg:]
		}
		for j := 0; j < int(op.Count) && j < len(dat) && j < dumpDataMax; j++ {
			if j%8 == 0 {
				line.WriteByte(' ')
			}
			if j%4 == 0 {
				line.WriteByte(' ')
			}
			fmt.Fprintf(&line, "%02x", dat[j])
		}
		line.WriteByte('\n')
		if _, err := io.WriteString(w, line.String()); err != nil {
			return err
		}
	}
	return nil
}

// Describe writes one human-readable line per CCW.
func (p *Program) Describe(w io.Writer) error {
	for i, op := range p.Ops {
		var detail string
		switch data := op.Data.(type) {
		case *DefineExtentData:
			detail = describeExtent(data)
		case *PrefixData:
			detail = fmt.Sprintf("base=%#02x lss=%#02x validity=%#02x %s",
				data.BaseAddress, data.BaseLSS, uint8(data.Validity), describeExtent(&data.DefineExtent))
		case *LocateRecordData:
			detail = fmt.Sprintf("seek=%v search=%v count=%d sector=%d length=%d orient=%d op=%#02x",
				data.SeekAddr, data.SearchArg, data.Count, data.Sector, data.Length,
				data.Operation.Orientation(), data.Operation.Code())
		case *CountField:
			detail = data.String()
		case Scratch:
			detail = fmt.Sprintf("scratch[%d]", len(data))
		case Direct:
			detail = fmt.Sprintf("direct %v", eckdmem.Segment(data))
		case Indirect:
			detail = fmt.Sprintf("idal %v", data.Words)
		}
		if _, err := fmt.Fprintf(w, "%3d %v %s\n", i, op, detail); err != nil {
			return err
		}
	}
	return nil
}

func describeExtent(data *DefineExtentData) string {
	return fmt.Sprintf("extent=[%v,%v] perm=%d auth=%d cache=%v ga=%v",
		data.BegExt, data.EndExt,
		data.Mask.Perm(), data.Mask.Auth(),
		data.Attributes.Operation(), data.GAExtended)
}
