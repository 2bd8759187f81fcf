// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// showFlags say how to show a program that was built but is not
// going to be run.
type showFlags struct {
	programAddr uint64
	describe    bool
	spew        bool
}

func (f *showFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&f.programAddr, "program-addr", 0x10000, "pack the program at `address`")
	cmd.Flags().BoolVar(&f.describe, "describe", false, "describe each CCW rather than dumping its bytes")
	cmd.Flags().BoolVar(&f.spew, "spew", false, "dump the unpacked descriptors with go-spew")
}

func (f *showFlags) Show(ctx context.Context, req *eckd.Request) error {
	defer eckd.FreeRequest(ctx, req)
	switch {
	case f.spew:
		spew := spew.NewDefaultConfig()
		spew.DisablePointerAddresses = true
		spew.Fdump(os.Stdout, req.Program.Ops)
		return nil
	case f.describe:
		return req.Program.Describe(os.Stdout)
	default:
		img, err := req.Program.Pack(eckdmem.Addr(f.programAddr))
		if err != nil {
			return err
		}
		return req.Program.Dump(os.Stdout, img)
	}
}

func parseDirection(arg string) (eckd.Direction, error) {
	switch arg {
	case "read":
		return eckd.DirRead, nil
	case "write":
		return eckd.DirWrite, nil
	default:
		return 0, fmt.Errorf("direction must be %q or %q, not %q", "read", "write", arg)
	}
}

func init() {
	var (
		lFlags    layoutFlags
		sFlags    showFlags
		dataAddr  uint64
		nSegments int
	)
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "build-io {read|write} FIRST_BLOCK NR_BLOCKS",
			Short: "Show the channel program for a block transfer",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(3)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir, err := parseDirection(args[0])
			if err != nil {
				return err
			}
			first, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return err
			}
			count, err := strconv.ParseUint(args[2], 0, 64)
			if err != nil {
				return err
			}
			vol, err := lFlags.Volume(cfg)
			if err != nil {
				return err
			}
			state := vol.State()
			if nSegments < 1 || uint64(nSegments) > count {
				return fmt.Errorf("--segments=%d: must be between 1 and %d", nSegments, count)
			}

			// Spread the blocks over the segments, with any
			// remainder in the last one.
			per := int(count) / nSegments
			segs := make([]eckdmem.Segment, nSegments)
			addr := eckdmem.Addr(dataAddr)
			for i := range segs {
				n := per
				if i == nSegments-1 {
					n = int(count) - per*(nSegments-1)
				}
				segs[i] = eckdmem.Segment{
					Addr: addr,
					Buf:  make([]byte, n*int(state.BlockSize)),
				}
				addr = addr.Add(len(segs[i].Buf))
			}

			req, err := vol.BuildIORequest(ctx, eckd.IORequest{
				Dir:       dir,
				Sector:    first << state.S2BShift,
				NrSectors: count << state.S2BShift,
				Segments:  segs,
			})
			if err != nil {
				return err
			}
			return sFlags.Show(ctx, req)
		},
	}
	lFlags.AddFlags(&cmd.Command)
	sFlags.AddFlags(&cmd.Command)
	cmd.Command.Flags().Uint64Var(&dataAddr, "data-addr", 0x100000, "place the caller's memory at `address`")
	cmd.Command.Flags().IntVar(&nSegments, "segments", 1, "split the caller's memory into `N` segments")
	subcommands = append(subcommands, cmd)
}

func init() {
	var (
		lFlags layoutFlags
		sFlags showFlags
		fFlags formatFlags
	)
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "build-format TRACK",
			Short: "Show the channel program that formats a track",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			trk, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return err
			}
			vol, err := lFlags.Volume(cfg)
			if err != nil {
				return err
			}
			params, err := fFlags.Params(uint32(trk), uint32(trk), lFlags.blockSize)
			if err != nil {
				return err
			}
			req, err := vol.BuildFormatRequest(ctx, params)
			if err != nil {
				return err
			}
			return sFlags.Show(ctx, req)
		},
	}
	lFlags.AddFlags(&cmd.Command)
	sFlags.AddFlags(&cmd.Command)
	fFlags.AddFlags(&cmd.Command)
	subcommands = append(subcommands, cmd)
}
