// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdccw

import (
	"encoding/binary"
	"fmt"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/binstruct/binutil"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// Payload is what a CCW's data address points at.  It is one of:
//
//   - *DefineExtentData, *PrefixData, *LocateRecordData, *CountField:
//     a parameter block, packed into the program's data area
//   - Scratch: program-private bytes, packed into the data area
//   - Direct: caller memory, addressed directly
//   - Indirect: caller memory, addressed through an IDAL that is
//     packed into the data area
type Payload interface {
	isPayload()
}

func (*DefineExtentData) isPayload() {}
func (*PrefixData) isPayload()       {}
func (*LocateRecordData) isPayload() {}
func (*CountField) isPayload()       {}
func (Scratch) isPayload()           {}
func (Direct) isPayload()            {}
func (Indirect) isPayload()          {}

// Scratch is memory that belongs to the program itself; a device
// writes into it directly.
type Scratch []byte

// Direct is caller memory that the CCW addresses directly.
type Direct eckdmem.Segment

// Indirect is caller memory that the CCW addresses through an
// indirect data address list.
type Indirect struct {
	Words []eckdmem.Addr
	Buf   []byte
}

// Op is one CCW, with its payload still in structured form.
type Op struct {
	Cmd   Cmd
	Flags Flags
	Count uint16
	Data  Payload
}

// Buffer returns the memory that a data-transfer Op reads from or
// writes to, or nil if the Op's payload is a parameter block.
func (op Op) Buffer() []byte {
	switch data := op.Data.(type) {
	case Scratch:
		return data
	case Direct:
		return data.Buf
	case Indirect:
		return data.Buf
	default:
		return nil
	}
}

func (op Op) String() string {
	return fmt.Sprintf("%v flags=%v count=%d", op.Cmd, op.Flags, op.Count)
}

// DataOp returns an Op that transfers seg, going through an IDAL if
// the segment is not directly addressable.
func DataOp(cmd Cmd, seg eckdmem.Segment) Op {
	op := Op{
		Cmd:   cmd,
		Count: uint16(len(seg.Buf)),
	}
	if eckdmem.IDALNeeded(seg.Addr, len(seg.Buf)) {
		op.Flags |= FlagIDA
		op.Data = Indirect{
			Words: eckdmem.IDALWords(seg.Addr, len(seg.Buf)),
			Buf:   seg.Buf,
		}
	} else {
		op.Data = Direct(seg)
	}
	return op
}

// Program is a channel program: an ordered list of CCWs, each
// command-chained to the next.
type Program struct {
	Ops []Op
}

// Append adds op to the end of the program, setting command chaining
// on the previous CCW.
func (p *Program) Append(op Op) {
	if len(p.Ops) > 0 {
		p.Ops[len(p.Ops)-1].Flags |= FlagCC
	}
	p.Ops = append(p.Ops, op)
}

// Len returns the number of CCWs in the program.
func (p *Program) Len() int {
	return len(p.Ops)
}

// Release hands back any IDAL word lists that the program holds.
// The program must not be packed after Release.
func (p *Program) Release() {
	for i := range p.Ops {
		if ind, ok := p.Ops[i].Data.(Indirect); ok {
			eckdmem.ReleaseIDAL(ind.Words)
			ind.Words = nil
			p.Ops[i].Data = ind
		}
	}
}

// Image is a packed program.  The CCWs come first, followed by an
// 8-byte aligned data area holding parameter blocks, scratch memory
// and IDALs.
type Image struct {
	Base  eckdmem.Addr
	Bytes []byte
	// CDA is the data address of each CCW (the IDAL's address,
	// for IDA CCWs).
	CDA []eckdmem.Addr
}

func payloadBytes(data Payload) ([]byte, error) {
	switch data := data.(type) {
	case *DefineExtentData, *PrefixData, *LocateRecordData, *CountField:
		return binstruct.Marshal(data)
	case Scratch:
		return data, nil
	case Indirect:
		ret := make([]byte, len(data.Words)*eckdmem.IDAWordSize)
		for i, word := range data.Words {
			binary.BigEndian.PutUint64(ret[i*eckdmem.IDAWordSize:], uint64(word))
		}
		return ret, nil
	default:
		panic(fmt.Errorf("should not happen: unexpected payload type %T", data))
	}
}

// Pack lays the program out at address base.
func (p *Program) Pack(base eckdmem.Addr) (*Image, error) {
	img := &Image{
		Base: base,
		CDA:  make([]eckdmem.Addr, len(p.Ops)),
	}
	var blobs [][]byte
	dataOff := binutil.Align(len(p.Ops)*CCWSize, 8)
	off := dataOff
	for i, op := range p.Ops {
		switch data := op.Data.(type) {
		case nil:
		case Direct:
			if op.Flags.Has(FlagIDA) || eckdmem.IDALNeeded(data.Addr, len(data.Buf)) {
				return nil, fmt.Errorf("ccw %d (%v): segment %v is not directly addressable", i, op, eckdmem.Segment(data))
			}
			img.CDA[i] = data.Addr
		default:
			if _, isIDA := data.(Indirect); isIDA != op.Flags.Has(FlagIDA) {
				return nil, fmt.Errorf("ccw %d (%v): IDA flag does not match payload %T", i, op, data)
			}
			blob, err := payloadBytes(data)
			if err != nil {
				return nil, fmt.Errorf("ccw %d (%v): %w", i, op, err)
			}
			img.CDA[i] = base.Add(off)
			blobs = append(blobs, blob)
			off += binutil.Align(len(blob), 8)
		}
	}
	if end := base.Add(off); end > eckdmem.DirectLimit {
		return nil, fmt.Errorf("program [%v, %v) is not directly addressable", base, end)
	}

	img.Bytes = make([]byte, off)
	for i, op := range p.Ops {
		ccw := CCW{
			Cmd:   op.Cmd,
			Flags: op.Flags,
			Count: op.Count,
			CDA:   uint32(img.CDA[i]),
		}
		if _, err := binstruct.MarshalTo(img.Bytes[i*CCWSize:], ccw); err != nil {
			return nil, fmt.Errorf("ccw %d (%v): %w", i, op, err)
		}
	}
	off = dataOff
	for _, blob := range blobs {
		copy(img.Bytes[off:], blob)
		off += binutil.Align(len(blob), 8)
	}
	return img, nil
}
