// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfssum"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// CSumBlockSize is the number of data bytes covered by one stored
// checksum.
const CSumBlockSize = 4 * 1024

// key.objectid = BTRFS_EXTENT_CSUM_OBJECTID
// key.offset = laddr of checksummed region
type ExtentCSum struct { // EXTENT_CSUM=128
	// Not stored on disk; set by UnmarshalItem from context.
	ChecksumSize int
	Addr         btrfsvol.LogicalAddr

	// Checksum of each sector starting at .Addr
	Sums []btrfssum.CSum
}

func (o *ExtentCSum) UnmarshalBinary(dat []byte) (int, error) {
	if o.ChecksumSize == 0 {
		return 0, fmt.Errorf(".ChecksumSize must be set")
	}
	o.Sums = nil
	for len(dat) >= o.ChecksumSize {
		var csum btrfssum.CSum
		copy(csum[:], dat[:o.ChecksumSize])
		dat = dat[o.ChecksumSize:]
		o.Sums = append(o.Sums, csum)
	}
	return len(o.Sums) * o.ChecksumSize, nil
}

func (o ExtentCSum) MarshalBinary() ([]byte, error) {
	if o.ChecksumSize == 0 {
		return nil, fmt.Errorf(".ChecksumSize must be set")
	}
	var dat []byte
	for _, csum := range o.Sums {
		dat = append(dat, csum[:o.ChecksumSize]...)
	}
	return dat, nil
}

// Covers is the logical range this item's checksums cover.
func (o ExtentCSum) Covers() (beg, end btrfsvol.LogicalAddr) {
	return o.Addr, o.Addr.Add(btrfsvol.AddrDelta(len(o.Sums) * CSumBlockSize))
}
