// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package btrfsscrub

import (
	"context"
	"errors"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

var errUnsupported = errors.New("scrub requires a btrfs kernel driver")

type unsupportedKernel struct{}

var _ Kernel = unsupportedKernel{}

func (unsupportedKernel) FSInfo(context.Context, string) (FSInfo, error) {
	return FSInfo{}, errUnsupported
}

func (unsupportedKernel) DevInfo(context.Context, string, btrfsvol.DeviceID) (DevInfo, error) {
	return DevInfo{}, errUnsupported
}

func (unsupportedKernel) SpaceInfo(context.Context, string) ([]SpaceInfo, error) {
	return nil, errUnsupported
}

func (unsupportedKernel) ScrubStart(context.Context, string, btrfsvol.DeviceID, uint64, uint64, bool) (Progress, error) {
	return Progress{}, errUnsupported
}

func (unsupportedKernel) ScrubProgress(context.Context, string, btrfsvol.DeviceID) (Progress, error) {
	return Progress{}, errUnsupported
}

func (unsupportedKernel) ScrubCancel(context.Context, string, btrfsvol.DeviceID) error {
	return errUnsupported
}

// DefaultKernel returns the platform's control channel.
func DefaultKernel() Kernel { return unsupportedKernel{} }
