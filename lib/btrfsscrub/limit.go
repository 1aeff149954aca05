// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// DefaultSysfsDir is the root under which each filesystem exposes its
// per-device knobs.
const DefaultSysfsDir = "/sys/fs/btrfs"

// scrubSpeedMaxPath is
// <sysfs>/<fsid>/devinfo/<devid>/scrub_speed_max: ASCII decimal
// bytes/sec, 0 = unlimited.
func (c *Controller) scrubSpeedMaxPath(fsid btrfsprim.UUID, devid btrfsvol.DeviceID) string {
	return filepath.Join(c.SysfsDir, fsid.String(), "devinfo",
		strconv.FormatUint(uint64(devid), 10), "scrub_speed_max")
}

// ReadLimit reads one device's throughput ceiling.
func (c *Controller) ReadLimit(fsid btrfsprim.UUID, devid btrfsvol.DeviceID) (uint64, error) {
	dat, err := os.ReadFile(c.scrubSpeedMaxPath(fsid, devid))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(dat)), 10, 64)
}

// WriteLimit sets one device's throughput ceiling; 0 means unlimited.
func (c *Controller) WriteLimit(fsid btrfsprim.UUID, devid btrfsvol.DeviceID, limit uint64) error {
	return os.WriteFile(c.scrubSpeedMaxPath(fsid, devid),
		[]byte(strconv.FormatUint(limit, 10)), 0o644)
}

// SetLimits applies a ceiling to one device or (devid == 0) all of
// them.
func (c *Controller) SetLimits(ctx context.Context, mount string, devid btrfsvol.DeviceID, limit uint64) error {
	info, err := c.Kernel.FSInfo(ctx, mount)
	if err != nil {
		return err
	}
	if devid != 0 {
		return c.WriteLimit(info.FSID, devid, limit)
	}
	for _, id := range info.DeviceIDs {
		if err := c.WriteLimit(info.FSID, id, limit); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveLimit reports the lowest per-device ceiling, which is the
// filesystem's effective cap; someSet is false when no device has a
// limit set.
func (c *Controller) EffectiveLimit(ctx context.Context, mount string) (limit uint64, someSet bool, err error) {
	info, err := c.Kernel.FSInfo(ctx, mount)
	if err != nil {
		return 0, false, err
	}
	var lowest uint64
	for _, id := range info.DeviceIDs {
		val, err := c.ReadLimit(info.FSID, id)
		if err != nil {
			return 0, false, fmt.Errorf("device %v: %w", id, err)
		}
		if val == 0 {
			continue
		}
		someSet = true
		if lowest == 0 || val < lowest {
			lowest = val
		}
	}
	return lowest, someSet, nil
}
