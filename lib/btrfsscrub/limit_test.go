// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

func TestScrubLimitRoundTrip(t *testing.T) {
	t.Parallel()
	kernel := newFakeKernel(1<<20, 1<<18)
	ctrl := newTestController(t, kernel)

	// sysfs files exist before the tool touches them
	for _, devid := range []string{"1", "2"} {
		dir := filepath.Join(ctrl.SysfsDir, testFSID.String(), "devinfo", devid)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scrub_speed_max"), []byte("0\n"), 0o644))
	}
	ctx := context.Background()

	// --all --limit 16M
	require.NoError(t, ctrl.SetLimits(ctx, "/mnt", 0, 16*1024*1024))
	for _, devid := range []btrfsvol.DeviceID{1, 2} {
		val, err := ctrl.ReadLimit(testFSID, devid)
		require.NoError(t, err)
		assert.Equal(t, uint64(16777216), val)
	}

	// --devid 1 --limit 0
	require.NoError(t, ctrl.SetLimits(ctx, "/mnt", 1, 0))
	val, err := ctrl.ReadLimit(testFSID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), val)
	val, err = ctrl.ReadLimit(testFSID, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(16777216), val)

	// the lowest set limit is the effective filesystem cap
	limit, someSet, err := ctrl.EffectiveLimit(ctx, "/mnt")
	require.NoError(t, err)
	assert.True(t, someSet)
	assert.Equal(t, uint64(16777216), limit)
}
