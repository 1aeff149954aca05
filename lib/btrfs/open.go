// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/diskio"
	"github.com/kdave/btrfs-progs-sub004/lib/textui"
)

// Open opens the filesystem stored on the given device files.
func Open(ctx context.Context, flag int, filenames ...string) (*FS, error) {
	fs := new(FS)
	for i, filename := range filenames {
		dlog.Debugf(ctx, "Adding device file %d/%d %q...", i, len(filenames), filename)
		osFile, err := os.OpenFile(filename, flag, 0)
		if err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("device file %q: %w", filename, err)
		}
		typedFile := &diskio.OSFile[btrfsvol.PhysicalAddr]{
			File: osFile,
		}
		bufFile := diskio.NewBufferedFile[btrfsvol.PhysicalAddr](
			ctx,
			typedFile,
			textui.Tunable[btrfsvol.PhysicalAddr](16*1024), // block size: 16KiB
			textui.Tunable(1024),                           // number of blocks to buffer; total of 16MiB
		)
		devFile := &Device{
			File: bufFile,
		}
		if err := fs.AddDevice(ctx, devFile); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("device file %q: %w", filename, err)
		}
	}
	if _, err := fs.Superblock(); err != nil {
		_ = fs.Close()
		return nil, err
	}
	return fs, nil
}
