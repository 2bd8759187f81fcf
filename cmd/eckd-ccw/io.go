// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

// ioDataAddr is where the simulated caller memory lives.
const ioDataAddr = eckdmem.Addr(0x100000)

// transfer runs one block transfer to completion.
func (sim simulation) transfer(ctx context.Context, dir eckd.Direction, first uint64, buf []byte) error {
	state := sim.Vol.State()
	req, err := sim.Vol.BuildIORequest(ctx, eckd.IORequest{
		Dir:       dir,
		Sector:    first << state.S2BShift,
		NrSectors: uint64(len(buf)/int(state.BlockSize)) << state.S2BShift,
		Segments: []eckdmem.Segment{{
			Addr: ioDataAddr,
			Buf:  buf,
		}},
	})
	if err != nil {
		return err
	}
	defer eckd.FreeRequest(ctx, req)
	if err := sim.Mgr.Submit(ctx, req); err != nil {
		return err
	}
	if err := req.Wait(ctx); err != nil {
		return err
	}
	return req.Err()
}

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "read IMAGE FIRST_BLOCK NR_BLOCKS",
			Short: "Copy blocks of a formatted simulator image to stdout",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(3)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) error {
			first, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return err
			}
			count, err := strconv.ParseUint(args[2], 0, 64)
			if err != nil {
				return err
			}
			return withImage(cmd.Context(), cfg, args[0], func(ctx context.Context, sim simulation) (err error) {
				state, err := sim.Vol.Analyze(ctx, sim.Mgr)
				if err != nil {
					return err
				}
				out := bufio.NewWriter(os.Stdout)
				defer func() {
					if _err := out.Flush(); _err != nil && err == nil {
						err = _err
					}
				}()
				progress := textui.NewProgress[textui.Portion[uint64]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
				defer progress.Done()
				total := count
				for count > 0 {
					progress.Set(textui.Portion[uint64]{N: total - count, D: total})
					n := count
					if n > eckd.MaxBlocks {
						n = eckd.MaxBlocks
					}
					buf := make([]byte, n*uint64(state.BlockSize))
					if err := sim.transfer(ctx, eckd.DirRead, first, buf); err != nil {
						return err
					}
					if _, err := out.Write(buf); err != nil {
						return err
					}
					first += n
					count -= n
				}
				progress.Set(textui.Portion[uint64]{N: total, D: total})
				return nil
			})
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "write IMAGE FIRST_BLOCK",
			Short: "Copy stdin to blocks of a formatted simulator image",
			Long: "Copy stdin to blocks of a formatted simulator image.  " +
				"The last block is padded with zeros.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) error {
			first, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return err
			}
			return withImage(cmd.Context(), cfg, args[0], func(ctx context.Context, sim simulation) error {
				state, err := sim.Vol.Analyze(ctx, sim.Mgr)
				if err != nil {
					return err
				}
				in := bufio.NewReader(os.Stdin)
				bs := int(state.BlockSize)
				var total uint64
				for {
					buf := make([]byte, eckd.MaxBlocks*bs)
					n, err := io.ReadFull(in, buf)
					if n == 0 {
						if errors.Is(err, io.EOF) {
							break
						}
						return err
					}
					nBlocks := (n + bs - 1) / bs
					if err := sim.transfer(ctx, eckd.DirWrite, first, buf[:nBlocks*bs]); err != nil {
						return err
					}
					first += uint64(nBlocks)
					total += uint64(nBlocks)
					if err != nil {
						if !errors.Is(err, io.ErrUnexpectedEOF) {
							return err
						}
						break
					}
				}
				dlog.Infof(ctx, "wrote %v blocks (%.1f)", textui.Humanized(total), textui.IEC(total*uint64(bs), "B"))
				return nil
			})
		},
	})
}
