// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
)

type formatFlags struct {
	cdl        bool
	writeR0    bool
	invalidate bool
}

func (f *formatFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.cdl, "cdl", false, "format with the compatible disk layout")
	cmd.Flags().BoolVar(&f.writeR0, "write-r0", false, "also rewrite record zero")
	cmd.Flags().BoolVar(&f.invalidate, "invalidate", false, "write a single empty record, so that the tracks read as unformatted")
}

func (f *formatFlags) Params(start, stop, blockSize uint32) (eckd.FormatParams, error) {
	p := eckd.FormatParams{
		StartTrack: start,
		StopTrack:  stop,
		BlockSize:  blockSize,
	}
	if f.writeR0 && f.invalidate {
		return eckd.FormatParams{}, errors.New("--write-r0 and --invalidate are mutually exclusive")
	}
	if f.cdl {
		p.Intensity |= eckd.FormatCDL
	}
	if f.writeR0 {
		p.Intensity |= eckd.FormatWriteR0
	}
	if f.invalidate {
		p.Intensity |= eckd.FormatInvalidate
	}
	return p, nil
}

func init() {
	var (
		fFlags    formatFlags
		blockSize uint32
		jsonFlag  bool
	)
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "format IMAGE [START_TRACK [STOP_TRACK]]",
			Short: "Format the tracks of a simulator image, then analyze it",
			Args:  cliutil.WrapPositionalArgs(cobra.RangeArgs(1, 3)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) error {
			return withImage(cmd.Context(), cfg, args[0], func(ctx context.Context, sim simulation) error {
				start, stop := uint32(0), sim.Img.Characteristics().Geometry().Tracks()-1
				if len(args) > 1 {
					n, err := strconv.ParseUint(args[1], 0, 32)
					if err != nil {
						return fmt.Errorf("start track: %w", err)
					}
					start, stop = uint32(n), uint32(n)
				}
				if len(args) > 2 {
					n, err := strconv.ParseUint(args[2], 0, 32)
					if err != nil {
						return fmt.Errorf("stop track: %w", err)
					}
					stop = uint32(n)
				}
				params, err := fFlags.Params(start, stop, blockSize)
				if err != nil {
					return err
				}
				if err := sim.Vol.FormatTracks(ctx, sim.Mgr, params); err != nil {
					return err
				}
				if _, err := sim.Vol.Analyze(ctx, sim.Mgr); err != nil {
					if errors.Is(err, eckd.ErrLayoutIncompatible) {
						dlog.Infof(ctx, "volume is not usable for block I/O: %v", err)
						return nil
					}
					return err
				}
				return reportGeometry(sim.Vol, jsonFlag)
			})
		},
	}
	fFlags.AddFlags(&cmd.Command)
	cmd.Command.Flags().Uint32Var(&blockSize, "block-size", 4096, "`bytes` per block (512, 1024, 2048 or 4096)")
	cmd.Command.Flags().BoolVar(&jsonFlag, "json", false, "write the report as JSON")
	subcommands = append(subcommands, cmd)
}

func init() {
	var jsonFlag bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "analyze IMAGE",
			Short: "Probe the disk layout of a simulator image",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) error {
			return withImage(cmd.Context(), cfg, args[0], func(ctx context.Context, sim simulation) error {
				if _, err := sim.Vol.Analyze(ctx, sim.Mgr); err != nil {
					return err
				}
				return reportGeometry(sim.Vol, jsonFlag)
			})
		},
	}
	cmd.Command.Flags().BoolVar(&jsonFlag, "json", false, "write the report as JSON")
	subcommands = append(subcommands, cmd)
}
