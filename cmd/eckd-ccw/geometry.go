// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

// layoutFlags pick the layout of a volume that is not analyzed.
type layoutFlags struct {
	layout    string
	blockSize uint32
}

func (f *layoutFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.layout, "layout", "LDL", "disk `layout` of the volume (CDL or LDL)")
	cmd.Flags().Uint32Var(&f.blockSize, "block-size", 4096, "`bytes` per block (512, 1024, 2048 or 4096)")
}

func (f *layoutFlags) Volume(cfg eckd.DeviceConfig) (*eckd.Volume, error) {
	var layout eckd.LayoutMode
	if err := layout.UnmarshalText([]byte(f.layout)); err != nil {
		return nil, fmt.Errorf("--layout: %w", err)
	}
	dev, err := eckd.NewDevice(cfg)
	if err != nil {
		return nil, err
	}
	vol, err := eckd.NewVolume(dev, eckd.VolumeOptions{})
	if err != nil {
		return nil, err
	}
	if err := vol.SetLayout(layout, f.blockSize); err != nil {
		return nil, err
	}
	return vol, nil
}

type geometryReport struct {
	State      eckd.VolumeState `json:"state"`
	HDGeometry eckd.HDGeometry  `json:"hd_geometry"`
	Info       eckd.VolumeInfo  `json:"info"`
}

func reportGeometry(vol *eckd.Volume, asJSON bool) error {
	hdgeo, err := vol.HDGeometry()
	if err != nil {
		return err
	}
	report := geometryReport{
		State:      vol.State(),
		HDGeometry: hdgeo,
		Info:       vol.Info(),
	}
	if asJSON {
		return writeJSONFile(os.Stdout, report, prettyJSON)
	}
	textui.Fprintf(os.Stdout, "%v: %v\n", vol, report.Info.Characteristics)
	textui.Fprintf(os.Stdout, "%v: %v\n", vol, report.State)
	if report.State.Usable() {
		textui.Fprintf(os.Stdout, "%v: capacity %.2f\n", vol,
			textui.IEC(report.State.Blocks*uint64(report.State.BlockSize), "B"))
	}
	textui.Fprintf(os.Stdout, "%v: cylinders=%d heads=%d sectors=%d start=%d\n",
		vol, hdgeo.Cylinders, hdgeo.Heads, hdgeo.Sectors, hdgeo.Start)
	textui.Fprintf(os.Stdout, "%v: %v layout, label in block %d\n",
		vol, report.Info.Format, report.Info.LabelBlock)
	return nil
}

func init() {
	var flags layoutFlags
	var jsonFlag bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "geometry",
			Short: "Show the geometry of a volume with the given layout",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg eckd.DeviceConfig, _ *cobra.Command, _ []string) error {
			vol, err := flags.Volume(cfg)
			if err != nil {
				return err
			}
			return reportGeometry(vol, jsonFlag)
		},
	}
	flags.AddFlags(&cmd.Command)
	cmd.Command.Flags().BoolVar(&jsonFlag, "json", false, "write the report as JSON")
	subcommands = append(subcommands, cmd)

	cmd = subcommand{
		Command: cobra.Command{
			Use:   "records-per-track",
			Short: "Show how many records of each block size fit on a track",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg eckd.DeviceConfig, _ *cobra.Command, _ []string) error {
			dev := cfg.Characteristics.DevType
			textui.Fprintf(os.Stdout, "%v: track capacity %d\n", dev, eckdgeom.TrackCapacity(dev))
			for _, bs := range []uint32{512, 1024, 2048, 4096} {
				textui.Fprintf(os.Stdout, "%v: %4d-byte blocks: %d per track (%d cells each)\n",
					dev, bs, eckdgeom.RecsPerTrack(dev, 0, bs), eckdgeom.RecordCells(dev, 0, bs))
			}
			return nil
		},
	}
	subcommands = append(subcommands, cmd)
}

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "device-config",
			Short: "Write the device configuration as JSON, for use with --device",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg eckd.DeviceConfig, _ *cobra.Command, _ []string) error {
			return eckd.WriteDeviceConfig(os.Stdout, cfg)
		},
	})
}
