// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile adds command-line flags that write Go runtime
// profiles of a run to files.
package profile

import (
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

func startCPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

func startTrace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// startNamed snapshots a named profile at shutdown.
func startNamed(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			if prof := pprof.Lookup(name); prof != nil {
				return prof.WriteTo(w, 0)
			}
			return nil
		}, nil
	}
}

type profileKind struct {
	name  string
	file  string
	start startFunc
}

func kinds() []profileKind {
	ret := []profileKind{
		{name: "cpu", file: "cpu.pprof", start: startCPU},
		{name: "trace", file: "trace.out", start: startTrace},
	}
	// Includes any profile that a package registered with
	// pprof.NewProfile before the flags were added.
	for _, prof := range pprof.Profiles() {
		ret = append(ret, profileKind{
			name:  prof.Name(),
			file:  prof.Name() + ".pprof",
			start: startNamed(prof.Name()),
		})
	}
	return ret
}

type flagSet struct {
	shutdown []StopFunc
}

func (fs *flagSet) stop() error {
	var errs derror.MultiError
	for _, fn := range fs.shutdown {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	fs.shutdown = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	parent *flagSet
	start  startFunc
	curVal string
}

var _ pflag.Value = (*flagValue)(nil)

func (fv *flagValue) String() string { return fv.curVal }
func (*flagValue) Type() string      { return "filename" }

func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	w, err := os.Create(filename)
	if err != nil {
		return err
	}
	shutdown, err := fv.start(w)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("%s: %w", filename, err)
	}
	fv.curVal = filename
	fv.parent.shutdown = append(fv.parent.shutdown, func() error {
		err1 := shutdown()
		err2 := w.Close()
		if err1 != nil {
			return err1
		}
		return err2
	})
	return nil
}

// AddProfileFlags adds a "<prefix><name>" flag for the CPU profile,
// for an execution trace, and for each named runtime profile.  The
// returned function writes out and closes whichever were requested;
// call it once at shutdown.
func AddProfileFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	var root flagSet
	for _, kind := range kinds() {
		flagName := prefix + kind.name
		flags.Var(&flagValue{parent: &root, start: kind.start}, flagName,
			fmt.Sprintf("Write a %s profile to the file `%s`", kind.name, kind.file))
		_ = cobra.MarkFlagFilename(flags, flagName)
	}
	return root.stop
}
