// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/diskio"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdsim"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "mkimage IMAGE",
			Short: "Create an unformatted simulator image of the device",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(cfg eckd.DeviceConfig, cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			fh, err := os.OpenFile(args[0], os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
			if err != nil {
				return err
			}
			img, err := eckdsim.CreateImage(ctx, &diskio.OSFile{File: fh}, cfg.Characteristics)
			if err != nil {
				_ = fh.Close()
				return err
			}
			dlog.Infof(ctx, "%v: %v", img.Name(), img.Characteristics())
			return img.Close()
		},
	})

	var dataFlag int
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "dump-track IMAGE TRACK",
			Short: "List the records on one track of a simulator image",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(_ eckd.DeviceConfig, _ *cobra.Command, args []string) (err error) {
			n, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("track: %w", err)
			}
			fh, err := os.Open(args[0])
			if err != nil {
				return err
			}
			img, err := eckdsim.OpenImage(&diskio.OSFile{File: fh})
			if err != nil {
				_ = fh.Close()
				return err
			}
			defer func() {
				if _err := img.Close(); _err != nil && err == nil {
					err = _err
				}
			}()
			trk, err := img.ReadTrack(uint32(n))
			if err != nil {
				return err
			}
			addr := img.Characteristics().Geometry().TrackAddr(uint32(n))
			textui.Fprintf(os.Stdout, "track %d (%v): %d records\n", n, addr, len(trk.Records))
			for _, rec := range trk.Records {
				textui.Fprintf(os.Stdout, "\t%v", rec)
				if len(rec.Key) > 0 {
					textui.Fprintf(os.Stdout, " key=%x", rec.Key)
				}
				if dataFlag > 0 && len(rec.Data) > 0 {
					dat := rec.Data
					if len(dat) > dataFlag {
						dat = dat[:dataFlag]
					}
					textui.Fprintf(os.Stdout, " data=%x", dat)
				}
				textui.Fprintf(os.Stdout, "\n")
			}
			return nil
		},
	}
	cmd.Command.Flags().IntVar(&dataFlag, "data", 0, "show the first `N` bytes of each record's data")
	subcommands = append(subcommands, cmd)
}
