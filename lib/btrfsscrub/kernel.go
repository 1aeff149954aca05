// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsscrub drives per-device background verification of a
// mounted filesystem through the kernel's scrub implementation:
// worker orchestration, progress aggregation, persisted status, and
// throughput policy.
package btrfsscrub

import (
	"context"
	"errors"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// Sentinels mapped from the kernel's errnos.
var (
	ErrAlreadyRunning = errors.New("scrub is already running")
	ErrNotRunning     = errors.New("scrub is not running")
	ErrCanceled       = errors.New("scrub canceled by user")
)

// Progress is the per-device counter block maintained by the kernel
// while a scrub runs.
type Progress struct {
	DataExtentsScrubbed uint64
	TreeExtentsScrubbed uint64
	DataBytesScrubbed   uint64
	TreeBytesScrubbed   uint64

	ReadErrors    uint64
	CSumErrors    uint64
	VerifyErrors  uint64
	NoCSum        uint64
	CSumDiscards  uint64
	SuperErrors   uint64
	MallocErrors  uint64
	Uncorrectable uint64
	Corrected     uint64
	Unverified    uint64

	LastPhysical uint64
}

// Stats is the lifecycle block the controller maintains around the
// kernel's counters.
type Stats struct {
	TStart   int64 // unix seconds
	TResumed int64
	Duration int64 // accumulated seconds across resumes
	Canceled bool
	Finished bool
}

// FSInfo describes a mounted filesystem.
type FSInfo struct {
	FSID       btrfsprim.UUID
	NumDevices uint64
	DeviceIDs  []btrfsvol.DeviceID
}

// DevInfo describes one member device.
type DevInfo struct {
	ID         btrfsvol.DeviceID
	Path       string
	TotalBytes uint64
	BytesUsed  uint64
}

// SpaceInfo is one row of the filesystem's space accounting.
type SpaceInfo struct {
	Flags      btrfsvol.BlockGroupFlags
	TotalBytes uint64
	UsedBytes  uint64
}

// Kernel is the control channel to the kernel driver.  The production
// implementation speaks ioctls against the mount point; tests provide
// a fake.
type Kernel interface {
	FSInfo(ctx context.Context, mount string) (FSInfo, error)
	DevInfo(ctx context.Context, mount string, devid btrfsvol.DeviceID) (DevInfo, error)
	SpaceInfo(ctx context.Context, mount string) ([]SpaceInfo, error)

	// ScrubStart runs a scrub of [startPhysical, endPhysical) on
	// one device, blocking until it finishes, fails, or is
	// canceled.  The returned Progress is the final counter
	// block; ErrCanceled is returned (with valid Progress) when
	// the scrub was canceled from another thread.
	ScrubStart(ctx context.Context, mount string, devid btrfsvol.DeviceID, startPhysical, endPhysical uint64, readonly bool) (Progress, error)

	// ScrubProgress polls the counters of a running scrub.
	ScrubProgress(ctx context.Context, mount string, devid btrfsvol.DeviceID) (Progress, error)

	// ScrubCancel asks the kernel to stop the scrub on one
	// device; the blocked ScrubStart returns promptly with its
	// current progress.
	ScrubCancel(ctx context.Context, mount string, devid btrfsvol.DeviceID) error
}
