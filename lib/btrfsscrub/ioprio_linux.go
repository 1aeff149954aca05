// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

package btrfsscrub

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"
)

const (
	ioprioWhoProcess = 1
	ioprioClassShift = 13

	// IOPrioClassIdle is the default class for scrub workers.
	IOPrioClassIdle = 3
)

// setIOPrio pins the calling thread's IO scheduling class before it
// enters the kernel scrub primitive.
func setIOPrio(ctx context.Context, class, classdata int) {
	if class == 0 {
		class = IOPrioClassIdle
	}
	prio := uintptr(class<<ioprioClassShift | classdata)
	if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, prio); errno != 0 {
		dlog.Warnf(ctx, "could not set IO priority: %v", errno)
	}
}
