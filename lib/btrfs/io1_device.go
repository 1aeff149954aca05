// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfs ties the device, volume, and tree layers together
// into an opened filesystem handle.
package btrfs

import (
	"fmt"

	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/diskio"
)

type Device struct {
	diskio.File[btrfsvol.PhysicalAddr]

	cacheSuperblocks []*btrfstree.Superblock
	cacheSuperblock  *btrfstree.Superblock
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*Device)(nil)

var superblockSize = btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfstree.Superblock{}))

// Superblocks returns every superblock mirror that fits on the
// device, in mirror order, without validating any of them.
func (dev *Device) Superblocks() ([]*btrfstree.Superblock, error) {
	if dev.cacheSuperblocks != nil {
		return dev.cacheSuperblocks, nil
	}
	superblockAddrs := btrfstree.SuperblockAddrs

	sz := dev.Size()

	var ret []*btrfstree.Superblock
	for i, addr := range superblockAddrs {
		if addr+superblockSize <= sz {
			superblock := &btrfstree.Superblock{}
			sbBuf := make([]byte, superblockSize)
			if _, err := dev.ReadAt(sbBuf, addr); err != nil {
				return nil, fmt.Errorf("superblock %v: %w", i, err)
			}
			if _, err := binstruct.Unmarshal(sbBuf, superblock); err != nil {
				return nil, fmt.Errorf("superblock %v: %w", i, err)
			}
			ret = append(ret, superblock)
		}
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}
	dev.cacheSuperblocks = ret
	return ret, nil
}

// Superblock returns the first superblock copy that passes magic and
// checksum validation; later mirrors are fallbacks.
func (dev *Device) Superblock() (*btrfstree.Superblock, error) {
	if dev.cacheSuperblock != nil {
		return dev.cacheSuperblock, nil
	}
	sbs, err := dev.Superblocks()
	if err != nil {
		return nil, err
	}

	var firstErr error
	for i, sb := range sbs {
		if sb.Magic != btrfstree.Magic {
			if firstErr == nil {
				firstErr = fmt.Errorf("superblock %v: bad magic", i)
			}
			continue
		}
		if err := sb.ValidateChecksum(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("superblock %v: %w", i, err)
			}
			continue
		}
		dev.cacheSuperblock = sb
		return sb, nil
	}
	return nil, firstErr
}
