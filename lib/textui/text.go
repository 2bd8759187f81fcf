// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui implements utilities for emitting human-friendly
// text on stdout and stderr.
package textui

import (
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"git.lukeshu.com/eckd-progs-ng/lib/fmtutil"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like `fmt.Fprintf`, but includes the extensions of
// `golang.org/x/text/message.Printer` (thousands separators), and
// marks a print call as part of the UI.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Humanized wraps a value so that plain `fmt` formatting of it gets
// the `golang.org/x/text/message.Printer` extensions.  Types with
// their own Format method (such as device addresses) keep it.
func Humanized(x any) any {
	return humanized{val: x}
}

type humanized struct {
	val any
}

var (
	_ fmt.Formatter = humanized{}
	_ fmt.Stringer  = humanized{}
)

func (h humanized) Format(f fmt.State, verb rune) {
	_, _ = printer.Fprintf(f, fmtutil.FmtStateString(f, verb), h.val)
}

func (h humanized) String() string {
	return fmt.Sprint(h)
}

// Portion renders a fraction N/D as a percentage followed by the
// exact fraction, with thousands separators:
//
//	fmt.Sprint(Portion[int]{N: 1, D: 12345}) ⇒ "0% (1/12,345)"
//
// An empty denominator is 100%.
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

func (p Portion[T]) String() string {
	pct := uint64(100)
	if p.D > 0 {
		pct = (uint64(p.N) * 100) / uint64(p.D)
	}
	return printer.Sprintf("%d%% (%v/%v)", pct, uint64(p.N), uint64(p.D))
}

// IEC renders a quantity with a binary (KiB, MiB, ...) prefix on
// unit.  The verb's precision applies to the number and its width to
// the whole.
//
//	fmt.Sprintf("%.1f", IEC(1536, "B")) ⇒ "1.5KiB"
func IEC[T constraints.Integer | constraints.Float](x T, unit string) iec {
	return iec{val: float64(x), unit: unit}
}

type iec struct {
	val  float64
	unit string
}

var (
	_ fmt.Formatter = iec{}
	_ fmt.Stringer  = iec{}
)

var iecPrefixes = []string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei"}

func (v iec) Format(f fmt.State, verb rune) {
	val := v.val
	var prefix string
	if !math.IsNaN(val) {
		for i := 0; math.Abs(val) >= 1024 && i < len(iecPrefixes); i++ {
			val /= 1024
			prefix = iecPrefixes[i]
		}
	}
	suffix := prefix + v.unit

	format := fmtutil.FmtStateString(f, verb)
	if width, ok := f.Width(); ok {
		format = fmtutil.FmtStateStringWidth(f, verb, width-utf8.RuneCountInString(suffix))
	}
	_, _ = fmt.Fprintf(f, format+"%s", val, suffix)
}

func (v iec) String() string {
	return fmt.Sprint(v)
}
