// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
)

// key.objectid = laddr of the extent being referenced
// key.offset = root objectid of the tree holding the referencing node
type ExtentDataRef struct { // EXTENT_DATA_REF=178
	Root          btrfsprim.ObjID `bin:"off=0, siz=8"`
	ObjectID      btrfsprim.ObjID `bin:"off=8, siz=8"`
	Offset        int64           `bin:"off=16, siz=8"`
	Count         int32           `bin:"off=24, siz=4"`
	binstruct.End `bin:"off=28"`
}

// key.objectid = laddr of the extent being referenced
//
// key.offset = laddr of the leaf node containing the FileExtent
// (EXTENT_DATA_KEY) for this reference.
type SharedDataRef struct { // SHARED_DATA_REF=184
	Count         int32 `bin:"off=0, siz=4"` // reference count
	binstruct.End `bin:"off=4"`
}

// Empty is the body of item types whose entire payload is their key.
type Empty struct { // trivial ORPHAN_ITEM=48 TREE_BLOCK_REF=176 SHARED_BLOCK_REF=182 FREE_SPACE_EXTENT=199 QGROUP_RELATION=246
	binstruct.End `bin:"off=0"`
}
