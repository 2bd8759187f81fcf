// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eckdsim is a simulated ECKD device: it runs packed channel
// programs against a file holding a count-key-data track image.
package eckdsim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/diskio"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

const (
	// HeaderSize is the size of the image header; the first
	// track slot follows it.
	HeaderSize = 4096
	// TrackSlotSize is the number of image bytes that each track
	// is stored in.
	TrackSlotSize = 64 * 1024
)

var imageMagic = [8]byte{'E', 'C', 'K', 'D', 'S', 'I', 'M', '1'}

var ErrNotImage = errors.New("not an ECKD simulator image")

type imageHeader struct {
	Magic           [8]byte          `bin:"off=0x0, siz=0x8"`
	CUType          eckdgeom.CUType  `bin:"off=0x8, siz=0x2"`
	CUModel         uint8            `bin:"off=0xa, siz=0x1"`
	DevModel        uint8            `bin:"off=0xb, siz=0x1"`
	DevType         eckdgeom.DevType `bin:"off=0xc, siz=0x2"`
	XRCSupported    uint8            `bin:"off=0xe, siz=0x1"`
	Reserved        uint8            `bin:"off=0xf, siz=0x1, rsv"`
	Cylinders       uint32           `bin:"off=0x10, siz=0x4"`
	TracksPerCyl    uint32           `bin:"off=0x14, siz=0x4"`
	SectorsPerTrack uint32           `bin:"off=0x18, siz=0x4"`
	TrackSlotSize   uint32           `bin:"off=0x1c, siz=0x4"`
	binstruct.End   `bin:"off=0x20"`
}

func (h imageHeader) characteristics() eckdgeom.Characteristics {
	return eckdgeom.Characteristics{
		CUType:          h.CUType,
		CUModel:         h.CUModel,
		DevType:         h.DevType,
		DevModel:        h.DevModel,
		Cylinders:       h.Cylinders,
		TracksPerCyl:    h.TracksPerCyl,
		SectorsPerTrack: h.SectorsPerTrack,
		XRCSupported:    h.XRCSupported != 0,
	}
}

// Image is a CKD track image.  It is safe for concurrent use; a
// channel program holds the image for as long as it runs.
type Image struct {
	file diskio.File
	char eckdgeom.Characteristics

	mu    sync.Mutex
	cache trackCache
}

func newImage(file diskio.File, char eckdgeom.Characteristics) *Image {
	return &Image{
		file:  file,
		char:  char,
		cache: newTrackCache(textui.Tunable(128)),
	}
}

// CreateImage writes a new image to file: a header describing char,
// followed by tracks that hold only record zero.  The file is grown
// to ImageSize(char) bytes if it is smaller and is a
// diskio.Resizer.
func CreateImage(ctx context.Context, file diskio.File, char eckdgeom.Characteristics) (*Image, error) {
	if !eckdgeom.Supported(char.CUType, char.DevType) {
		return nil, fmt.Errorf("%v: unsupported control unit/device %v/%v", file.Name(), char.CUType, char.DevType)
	}
	geom := char.Geometry()
	if geom.Tracks() == 0 {
		return nil, fmt.Errorf("%v: empty geometry %v", file.Name(), geom)
	}
	if size := ImageSize(char); file.Size() < size {
		tf, ok := file.(diskio.Resizer)
		if !ok {
			return nil, fmt.Errorf("%v: file is %d bytes but the image needs %d", file.Name(), file.Size(), size)
		}
		if err := tf.Truncate(size); err != nil {
			return nil, err
		}
	}

	hdr := imageHeader{
		Magic:           imageMagic,
		CUType:          char.CUType,
		CUModel:         char.CUModel,
		DevType:         char.DevType,
		DevModel:        char.DevModel,
		Cylinders:       char.Cylinders,
		TracksPerCyl:    char.TracksPerCyl,
		SectorsPerTrack: char.SectorsPerTrack,
		TrackSlotSize:   TrackSlotSize,
	}
	if char.XRCSupported {
		hdr.XRCSupported = 1
	}
	hdrBuf := make([]byte, HeaderSize)
	if _, err := binstruct.MarshalTo(hdrBuf, hdr); err != nil {
		return nil, err
	}
	if _, err := file.WriteAt(hdrBuf, 0); err != nil {
		return nil, err
	}

	img := newImage(file, char)
	ctx = dlog.WithField(ctx, "eckdsim.image", file.Name())
	dlog.Infof(ctx, "writing %v tracks of %v...", textui.Humanized(geom.Tracks()), geom)
	progress := textui.NewProgress[textui.Portion[uint32]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	progress.Set(textui.Portion[uint32]{N: 0, D: geom.Tracks()})
	for trk := uint32(0); trk < geom.Tracks(); trk++ {
		if err := ctx.Err(); err != nil {
			progress.Done()
			return nil, err
		}
		if err := img.storeTrack(trk, emptyTrack(geom.TrackAddr(trk))); err != nil {
			progress.Done()
			return nil, err
		}
		progress.Set(textui.Portion[uint32]{N: trk + 1, D: geom.Tracks()})
	}
	progress.Done()
	img.cache.purge()
	if err := img.sync(); err != nil {
		return nil, err
	}
	return img, nil
}

// ImageSize returns the number of bytes that an image of a device
// with the given characteristics takes.
func ImageSize(char eckdgeom.Characteristics) int64 {
	return HeaderSize + int64(char.Geometry().Tracks())*TrackSlotSize
}

// OpenImage reads the header of an existing image.
func OpenImage(file diskio.File) (*Image, error) {
	hdrBuf := make([]byte, binstruct.StaticSize(imageHeader{}))
	if _, err := file.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("%v: %w", file.Name(), err)
	}
	var hdr imageHeader
	if _, err := binstruct.Unmarshal(hdrBuf, &hdr); err != nil {
		return nil, fmt.Errorf("%v: %w", file.Name(), err)
	}
	if hdr.Magic != imageMagic {
		return nil, fmt.Errorf("%v: %w", file.Name(), ErrNotImage)
	}
	if hdr.TrackSlotSize != TrackSlotSize {
		return nil, fmt.Errorf("%v: track slot size is %d, expected %d", file.Name(), hdr.TrackSlotSize, TrackSlotSize)
	}
	char := hdr.characteristics()
	if size := ImageSize(char); file.Size() < size {
		return nil, fmt.Errorf("%v: file is %d bytes but %v needs %d", file.Name(), file.Size(), char, size)
	}
	return newImage(file, char), nil
}

func (img *Image) Name() string                              { return img.file.Name() }
func (img *Image) Characteristics() eckdgeom.Characteristics { return img.char }
func (img *Image) Close() error                              { return img.file.Close() }

// ReadTrack returns a copy of the records on a track.
func (img *Image) ReadTrack(trk uint32) (*Track, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	ret, err := img.loadTrack(trk)
	if err != nil {
		return nil, err
	}
	return ret.clone(), nil
}

func (img *Image) slotOffset(trk uint32) int64 {
	return HeaderSize + int64(trk)*TrackSlotSize
}

// loadTrack returns the cached track, which the caller may modify
// only while holding img.mu and only if it then calls storeTrack.
func (img *Image) loadTrack(trk uint32) (*Track, error) {
	if trk >= img.char.Geometry().Tracks() {
		return nil, fmt.Errorf("track %d: beyond the end of the volume", trk)
	}
	if ret, ok := img.cache.get(trk); ok {
		return ret, nil
	}
	slot := make([]byte, TrackSlotSize)
	if _, err := img.file.ReadAt(slot, img.slotOffset(trk)); err != nil {
		return nil, fmt.Errorf("track %d: %w", trk, err)
	}
	ret, err := parseTrack(slot)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", trk, err)
	}
	img.cache.add(trk, ret)
	return ret, nil
}

func (img *Image) storeTrack(trk uint32, val *Track) error {
	slot := make([]byte, TrackSlotSize)
	if err := val.marshalTo(slot); err != nil {
		return fmt.Errorf("track %d: %w", trk, err)
	}
	if _, err := img.file.WriteAt(slot, img.slotOffset(trk)); err != nil {
		img.cache.remove(trk)
		return fmt.Errorf("track %d: %w", trk, err)
	}
	img.cache.add(trk, val)
	return nil
}

// sync flushes the image file if it is a diskio.Syncer.
func (img *Image) sync() error {
	if sf, ok := img.file.(diskio.Syncer); ok {
		if err := sf.Sync(); err != nil {
			return fmt.Errorf("%v: %w", img.file.Name(), err)
		}
	}
	return nil
}
