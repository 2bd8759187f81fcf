// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/profile"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(eckd.DeviceConfig, *cobra.Command, []string) error
}

var subcommands []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var devFlags deviceFlags

	argparser := &cobra.Command{
		Use:   "eckd-ccw {[flags]|SUBCOMMAND}",
		Short: "Build and run ECKD DASD channel programs",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	devFlags.AddFlags(argparser)
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile.")

	for _, child := range subcommands {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			if logLevelFlag.Level >= dlog.LogLevelDebug {
				ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
			}
			dlog.SetFallbackLogger(logger.WithField("eckd-progs.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) (err error) {
				defer func() {
					if _err := stopProfiling(); _err != nil && err == nil {
						err = _err
					}
				}()
				cfg, err := devFlags.Config(ctx)
				if err != nil {
					return err
				}
				cmd.SetContext(ctx)
				return runE(cfg, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
