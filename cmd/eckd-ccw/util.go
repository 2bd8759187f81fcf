// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.lukeshu.com/eckd-progs-ng/lib/diskio"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdsim"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

type runeScanner struct {
	ctx            context.Context //nolint:containedctx // For detecting shutdown from methods
	progress       textui.Portion[int64]
	progressWriter *textui.Progress[textui.Portion[int64]]
	unreadCnt      uint64
	reader         *bufio.Reader
	closer         io.Closer
}

func newRuneScanner(ctx context.Context, fh *os.File) (*runeScanner, error) {
	fi, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	ret := &runeScanner{
		ctx: ctx,
		progress: textui.Portion[int64]{
			D: fi.Size(),
		},
		progressWriter: textui.NewProgress[textui.Portion[int64]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second)),
		reader:         bufio.NewReader(fh),
		closer:         fh,
	}
	ret.progressWriter.Set(ret.progress)
	return ret, nil
}

func (rs *runeScanner) ReadRune() (r rune, size int, err error) {
	if err := rs.ctx.Err(); err != nil {
		return 0, 0, err
	}
	r, size, err = rs.reader.ReadRune()
	if rs.unreadCnt > 0 {
		rs.unreadCnt--
	} else {
		rs.progress.N += int64(size)
		rs.progressWriter.Set(rs.progress)
	}
	return
}

func (rs *runeScanner) UnreadRune() error {
	if err := rs.ctx.Err(); err != nil {
		return err
	}
	if err := rs.reader.UnreadRune(); err != nil {
		return err
	}
	rs.unreadCnt++
	return nil
}

func (rs *runeScanner) Close() error {
	rs.progressWriter.Done()
	return rs.closer.Close()
}

func readJSONFile[T any](ctx context.Context, filename string) (T, error) {
	fh, err := os.Open(filename)
	if err != nil {
		var zero T
		return zero, err
	}
	buf, err := newRuneScanner(dlog.WithField(ctx, "eckd-ccw.read-json-file", filename), fh)
	if err != nil {
		_ = fh.Close()
		var zero T
		return zero, err
	}
	defer func() {
		_ = buf.Close()
	}()
	var ret T
	if err := lowmemjson.NewDecoder(buf).DecodeThenEOF(&ret); err != nil {
		var zero T
		return zero, err
	}
	return ret, nil
}

func writeJSONFile(w io.Writer, obj any, cfg lowmemjson.ReEncoderConfig) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(buffer, cfg)).Encode(obj)
}

var prettyJSON = lowmemjson.ReEncoderConfig{
	Indent:                "\t",
	ForceTrailingNewlines: true,
}

// deviceFlags says where the device configuration comes from: a JSON
// file, or a model and size.
type deviceFlags struct {
	file      string
	name      string
	model     string
	cyls      uint32
	usePrefix bool
	xrc       bool
}

func (f *deviceFlags) AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&f.file, "device", "", "load the device configuration from the JSON file `dev.json`")
	if err := cmd.MarkPersistentFlagFilename("device", "json"); err != nil {
		panic(err)
	}
	flags.StringVar(&f.name, "name", "dasd", "device `name` to log with, if not set by --device")
	flags.StringVar(&f.model, "model", "3390", "device `type` (3390 or 3380), if not set by --device")
	flags.Uint32Var(&f.cyls, "cyls", 3339, "number of `cylinders`, if not set by --device")
	flags.BoolVar(&f.usePrefix, "prefix", false, "use Prefix rather than Define Extent, if not set by --device")
	flags.BoolVar(&f.xrc, "xrc", false, "the control unit does extended remote copy, if not set by --device")
}

func (f *deviceFlags) Config(ctx context.Context) (eckd.DeviceConfig, error) {
	if f.file != "" {
		return readJSONFile[eckd.DeviceConfig](ctx, f.file)
	}
	cfg := eckd.DeviceConfig{
		Name:      f.name,
		UsePrefix: f.usePrefix,
	}
	switch f.model {
	case "3390":
		cfg.Characteristics = eckdgeom.Model3390(f.cyls)
	case "3380":
		cfg.Characteristics = eckdgeom.Model3380(f.cyls)
	default:
		return eckd.DeviceConfig{}, fmt.Errorf("--model=%q: must be 3390 or 3380", f.model)
	}
	cfg.Characteristics.XRCSupported = f.xrc
	return cfg, nil
}

// simulation is a volume backed by a simulator image, with the
// executor and expiry sweeper running.
type simulation struct {
	Img *eckdsim.Image
	Vol *eckd.Volume
	Mgr *eckd.Manager
}

// withImage opens the image file and runs fn against it.  The
// image's characteristics replace those of cfg.
func withImage(ctx context.Context, cfg eckd.DeviceConfig, filename string, fn func(context.Context, simulation) error) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}
	fh, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	img, err := eckdsim.OpenImage(&diskio.OSFile{File: fh})
	if err != nil {
		_ = fh.Close()
		return err
	}
	defer func() {
		maybeSetErr(img.Close())
	}()

	cfg.Characteristics = img.Characteristics()
	dev, err := eckd.NewDevice(cfg)
	if err != nil {
		return err
	}
	vol, err := eckd.NewVolume(dev, eckd.VolumeOptions{})
	if err != nil {
		return err
	}
	exec := img.Executor(0, 0)
	mgr := &eckd.Manager{
		Executor: exec,
		Recovery: eckd.RetryTransient{},
	}

	ctx, cancel := context.WithCancel(ctx)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	grp.Go("executor", exec.Run)
	grp.Go("expiry", func(ctx context.Context) error {
		return mgr.RunExpiry(ctx, textui.Tunable(1*time.Second))
	})
	grp.Go("main", func(ctx context.Context) error {
		defer cancel()
		err := fn(ctx, simulation{Img: img, Vol: vol, Mgr: mgr})
		if closeErr := mgr.Close(ctx); err == nil {
			err = closeErr
		}
		return err
	})
	return grp.Wait()
}
