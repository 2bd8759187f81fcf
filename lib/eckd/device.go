// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eckd translates block I/O into ECKD channel programs, and
// manages those programs from build to free.
package eckd

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
)

// Device is one unit address: the base device of a volume, or an
// alias of it.
type Device struct {
	cfg DeviceConfig

	mu       sync.Mutex
	attrib   eckdccw.CacheAttrib
	inflight int
}

// NewDevice validates cfg and fills in its defaults.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	cfg = cfg.withDefaults()
	char := cfg.Characteristics
	if !eckdgeom.Supported(char.CUType, char.DevType) {
		return nil, fmt.Errorf("device %q: unsupported control unit/device %v/%v: %w",
			cfg.Name, char.CUType, char.DevType, ErrInvalidArgument)
	}
	if char.Cylinders == 0 || char.TracksPerCyl == 0 {
		return nil, fmt.Errorf("device %q: empty geometry %v: %w",
			cfg.Name, char.Geometry(), ErrInvalidArgument)
	}
	return &Device{
		cfg:    cfg,
		attrib: cfg.Attrib,
	}, nil
}

func (dev *Device) Name() string                              { return dev.cfg.Name }
func (dev *Device) Config() DeviceConfig                      { return dev.cfg }
func (dev *Device) Characteristics() eckdgeom.Characteristics { return dev.cfg.Characteristics }

func (dev *Device) String() string {
	return fmt.Sprintf("%s(%v)", dev.cfg.Name, dev.cfg.UnitType)
}

func (dev *Device) withLog(ctx context.Context) context.Context {
	return dlog.WithField(ctx, "eckd.dev", dev.cfg.Name)
}

// Attrib returns the cache attributes that Define Extent asks for.
func (dev *Device) Attrib() eckdccw.CacheAttrib {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.attrib
}

// SetAttrib changes the cache attributes for requests built from now
// on.
func (dev *Device) SetAttrib(attrib eckdccw.CacheAttrib) error {
	if attrib.Operation > eckdccw.CacheRecAccess {
		return fmt.Errorf("cache operation %v: %w", attrib.Operation, ErrInvalidArgument)
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.attrib = attrib
	return nil
}

// Inflight returns the number of requests built against the device
// and not yet freed.
func (dev *Device) Inflight() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.inflight
}

func (dev *Device) tryAcquire() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.inflight >= dev.cfg.MaxInflight {
		return false
	}
	dev.inflight++
	return true
}

func (dev *Device) release() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.inflight == 0 {
		panic(fmt.Errorf("should not happen: device %q: in-flight count underflow", dev.cfg.Name))
	}
	dev.inflight--
}

// AliasRouter picks the device that a request for a volume is started
// on.
type AliasRouter interface {
	// PickStartDevice returns an alias of base, or nil to use base
	// itself.
	PickStartDevice(base *Device) *Device
}
