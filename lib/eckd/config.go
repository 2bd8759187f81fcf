// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"bufio"
	"io"
	"time"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

// Defaults for DeviceConfig.
var (
	DefaultMaxInflight     = textui.Tunable(4)
	DefaultIOExpires       = textui.Tunable(5 * time.Minute)
	DefaultAnalysisExpires = textui.Tunable(5 * time.Second)
	DefaultIORetries       = textui.Tunable(256)
	DefaultFormatRetries   = textui.Tunable(5)
)

// MaxBlocks is the largest number of blocks that a single I/O request
// may transfer.
const MaxBlocks = 240

// DeviceConfig is the static configuration of one unit address.
type DeviceConfig struct {
	Name            string                   `json:"name"`
	Characteristics eckdgeom.Characteristics `json:"characteristics"`

	UnitAddr uint8            `json:"unit_addr"`
	LSS      uint8            `json:"lss"`
	UnitType eckdccw.UnitType `json:"unit_type"`

	// UsePrefix is the "prefix command supported" feature bit.
	UsePrefix bool `json:"use_prefix"`
	// PathMask is the logical path mask that requests are
	// started with.
	PathMask uint8 `json:"path_mask"`

	// MaxInflight is how many requests may be built against the
	// device before BuildIORequest reports ErrDeviceBusy.
	MaxInflight int `json:"max_inflight"`

	IOExpires       time.Duration `json:"io_expires"`
	AnalysisExpires time.Duration `json:"analysis_expires"`
	IORetries       int           `json:"io_retries"`
	FormatRetries   int           `json:"format_retries"`

	Attrib eckdccw.CacheAttrib `json:"attrib"`
}

func (cfg DeviceConfig) withDefaults() DeviceConfig {
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.IOExpires == 0 {
		cfg.IOExpires = DefaultIOExpires
	}
	if cfg.AnalysisExpires == 0 {
		cfg.AnalysisExpires = DefaultAnalysisExpires
	}
	if cfg.IORetries == 0 {
		cfg.IORetries = DefaultIORetries
	}
	if cfg.FormatRetries == 0 {
		cfg.FormatRetries = DefaultFormatRetries
	}
	if cfg.PathMask == 0 {
		cfg.PathMask = 0xff
	}
	return cfg
}

// ReadDeviceConfig decodes a JSON DeviceConfig.
func ReadDeviceConfig(r io.Reader) (DeviceConfig, error) {
	var cfg DeviceConfig
	if err := lowmemjson.NewDecoder(bufio.NewReader(r)).DecodeThenEOF(&cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

// WriteDeviceConfig encodes cfg as indented JSON.
func WriteDeviceConfig(w io.Writer, cfg DeviceConfig) error {
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(w, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})).Encode(cfg)
}
