// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// LayoutMode is how the records of a volume are laid out.
type LayoutMode int

const (
	// LayoutUnknown means that the volume has not been analyzed.
	LayoutUnknown LayoutMode = iota
	LayoutUnformatted
	// LayoutCDL is the compatible disk layout: tracks 0 and 1
	// begin with small keyed label records.
	LayoutCDL
	// LayoutLDL is the Linux disk layout: every record is a
	// block.
	LayoutLDL
)

var layoutNames = []string{
	"unknown",
	"unformatted",
	"CDL",
	"LDL",
}

func (m LayoutMode) String() string {
	if m >= 0 && int(m) < len(layoutNames) {
		return layoutNames[m]
	}
	return fmt.Sprintf("LayoutMode(%d)", int(m))
}

func (m LayoutMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LayoutMode) UnmarshalText(text []byte) error {
	for i, name := range layoutNames {
		if string(text) == name {
			*m = LayoutMode(i)
			return nil
		}
	}
	return fmt.Errorf("invalid layout mode %q", text)
}

// VolumeState is what analysis learned about a volume.
type VolumeState struct {
	Geometry       eckdgeom.Geometry `json:"geometry"`
	Layout         LayoutMode        `json:"layout"`
	BlockSize      uint32            `json:"block_size"`
	S2BShift       uint              `json:"s2b_shift"`
	BlocksPerTrack uint32            `json:"blocks_per_track"`
	Blocks         uint64            `json:"blocks"`
	UsesCDL        bool              `json:"uses_cdl"`
}

// Usable reports whether block I/O can be translated for the volume.
func (s VolumeState) Usable() bool {
	return s.BlockSize != 0 && s.BlocksPerTrack != 0
}

func (s VolumeState) String() string {
	layout := "linux disk layout"
	if s.UsesCDL {
		layout = "compatible disk layout"
	}
	return fmt.Sprintf("(%dkB blks): %dkB at %dkB/trk %s",
		s.BlockSize>>10,
		(s.Blocks<<s.S2BShift)>>1,
		(s.BlocksPerTrack*s.BlockSize)>>10,
		layout)
}

// computeState fills in everything that follows from the geometry,
// the layout and the block size.
func computeState(geom eckdgeom.Geometry, layout LayoutMode, blksize uint32) (VolumeState, error) {
	if err := eckdgeom.ValidBlockSize(blksize); err != nil {
		return VolumeState{}, fmt.Errorf("%v: %w", err, ErrInvalidBlockSize)
	}
	bpt := eckdgeom.RecsPerTrack(geom.DevType, 0, blksize)
	if bpt == 0 {
		return VolumeState{}, fmt.Errorf("device type %v: no records of %d bytes fit on a track: %w",
			geom.DevType, blksize, ErrLayoutIncompatible)
	}
	return VolumeState{
		Geometry:       geom,
		Layout:         layout,
		BlockSize:      blksize,
		S2BShift:       eckdgeom.S2BShift(blksize),
		BlocksPerTrack: bpt,
		Blocks:         uint64(geom.Tracks()) * uint64(bpt),
		UsesCDL:        layout == LayoutCDL,
	}, nil
}

// VolumeOptions are the optional collaborators of a Volume.
type VolumeOptions struct {
	// Router picks alias devices to start I/O on; nil always
	// uses the base device.
	Router AliasRouter
	// Pool supplies copy buffers; nil addresses caller memory
	// directly.
	Pool *eckdmem.CopyPool
	// Clock time stamps writes to XRC control units; nil means
	// that no time stamp is available.
	Clock eckdccw.Clock
}

// Volume is the block-device view of a base device.
type Volume struct {
	base *Device
	opts VolumeOptions

	mu       sync.Mutex
	state    VolumeState
	analysis analysisState
}

// NewVolume returns a Volume that has not yet been analyzed.
func NewVolume(base *Device, opts VolumeOptions) (*Volume, error) {
	if base.cfg.UnitType != eckdccw.UnitBase {
		return nil, fmt.Errorf("device %s is a %v, not a base device: %w",
			base.Name(), base.cfg.UnitType, ErrInvalidArgument)
	}
	return &Volume{
		base: base,
		opts: opts,
		state: VolumeState{
			Geometry: base.Characteristics().Geometry(),
		},
	}, nil
}

func (vol *Volume) Base() *Device { return vol.base }

func (vol *Volume) String() string { return vol.base.Name() }

// State returns what is currently known about the volume.
func (vol *Volume) State() VolumeState {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	return vol.state
}

// SetLayout declares the volume's layout and block size without
// analyzing it, for volumes whose format is known from elsewhere.
func (vol *Volume) SetLayout(layout LayoutMode, blksize uint32) error {
	if layout != LayoutCDL && layout != LayoutLDL {
		return fmt.Errorf("volume %v: cannot declare layout %v: %w", vol, layout, ErrInvalidArgument)
	}
	state, err := computeState(vol.base.Characteristics().Geometry(), layout, blksize)
	if err != nil {
		return fmt.Errorf("volume %v: %w", vol, err)
	}
	vol.mu.Lock()
	defer vol.mu.Unlock()
	vol.state = state
	return nil
}

// HDGeometry is the geometry that the volume reports to partitioning
// tools.
type HDGeometry struct {
	Cylinders uint32 `json:"cylinders"`
	Heads     uint32 `json:"heads"`
	// Sectors is records per track at the current block size.
	Sectors uint32 `json:"sectors"`
	Start   uint64 `json:"start"`
}

func (vol *Volume) HDGeometry() (HDGeometry, error) {
	state := vol.State()
	if !state.Usable() {
		return HDGeometry{}, fmt.Errorf("volume %v: layout %v: %w", vol, state.Layout, ErrInvalidArgument)
	}
	return HDGeometry{
		Cylinders: state.Geometry.Cylinders,
		Heads:     state.Geometry.TracksPerCyl,
		Sectors:   state.BlocksPerTrack,
	}, nil
}

// LabelBlock is the block that holds the volume label.
const LabelBlock = 2

// VolumeInfo is the discipline-specific information that the volume
// reports to its users.
type VolumeInfo struct {
	LabelBlock      uint32                   `json:"label_block"`
	FBALayout       bool                     `json:"fba_layout"`
	Format          LayoutMode               `json:"format"`
	Characteristics eckdgeom.Characteristics `json:"characteristics"`
}

func (vol *Volume) Info() VolumeInfo {
	state := vol.State()
	return VolumeInfo{
		LabelBlock:      LabelBlock,
		FBALayout:       !state.UsesCDL,
		Format:          state.Layout,
		Characteristics: vol.base.Characteristics(),
	}
}

func (vol *Volume) extentParams(usesCDL bool) eckdccw.ExtentParams {
	return eckdccw.ExtentParams{
		Char:    vol.base.Characteristics(),
		UsesCDL: usesCDL,
		Attrib:  vol.base.Attrib(),
		Clock:   vol.opts.Clock,
	}
}

// extentOp returns the Define Extent, or the Prefix that carries it,
// that begins a program started on startdev.
func (vol *Volume) extentOp(ctx context.Context, startdev *Device, usesCDL bool, trk, totrk uint32, cmd eckdccw.Cmd) (eckdccw.Op, error) {
	if !vol.base.cfg.UsePrefix {
		return eckdccw.DefineExtent(ctx, vol.extentParams(usesCDL), trk, totrk, cmd)
	}
	return eckdccw.Prefix(ctx, eckdccw.PrefixParams{
		ExtentParams: vol.extentParams(usesCDL),
		BaseUnitAddr: vol.base.cfg.UnitAddr,
		BaseLSS:      vol.base.cfg.LSS,
		StartType:    startdev.cfg.UnitType,
	}, trk, totrk, cmd)
}
