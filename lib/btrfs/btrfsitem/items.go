// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsitem contains the on-disk item bodies that may appear
// in the leaves of the btrees.
package btrfsitem

import (
	"fmt"
	"reflect"

	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfssum"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

type Type = btrfsprim.ItemType

type Item interface {
	isItem()
}

// Error is the body of an item that could not be parsed; rather than
// returning a separate error value, UnmarshalItem returns an Error
// item.
type Error struct {
	Dat []byte
	Err error
}

func (Error) isItem() {}

func (o Error) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

var keytype2gotype = map[Type]reflect.Type{
	btrfsprim.INODE_ITEM_KEY:        reflect.TypeOf(Inode{}),
	btrfsprim.INODE_REF_KEY:         reflect.TypeOf(InodeRefs{}),
	btrfsprim.INODE_EXTREF_KEY:      reflect.TypeOf(InodeExtrefs{}),
	btrfsprim.XATTR_ITEM_KEY:        reflect.TypeOf(DirEntry{}),
	btrfsprim.ORPHAN_ITEM_KEY:       reflect.TypeOf(Empty{}),
	btrfsprim.DIR_ITEM_KEY:          reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:         reflect.TypeOf(DirEntry{}),
	btrfsprim.EXTENT_DATA_KEY:       reflect.TypeOf(FileExtent{}),
	btrfsprim.EXTENT_CSUM_KEY:       reflect.TypeOf(ExtentCSum{}),
	btrfsprim.ROOT_ITEM_KEY:         reflect.TypeOf(Root{}),
	btrfsprim.ROOT_BACKREF_KEY:      reflect.TypeOf(RootRef{}),
	btrfsprim.ROOT_REF_KEY:          reflect.TypeOf(RootRef{}),
	btrfsprim.EXTENT_ITEM_KEY:       reflect.TypeOf(Extent{}),
	btrfsprim.METADATA_ITEM_KEY:     reflect.TypeOf(Metadata{}),
	btrfsprim.TREE_BLOCK_REF_KEY:    reflect.TypeOf(Empty{}),
	btrfsprim.EXTENT_DATA_REF_KEY:   reflect.TypeOf(ExtentDataRef{}),
	btrfsprim.SHARED_BLOCK_REF_KEY:  reflect.TypeOf(Empty{}),
	btrfsprim.SHARED_DATA_REF_KEY:   reflect.TypeOf(SharedDataRef{}),
	btrfsprim.BLOCK_GROUP_ITEM_KEY:  reflect.TypeOf(BlockGroup{}),
	btrfsprim.FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.DEV_EXTENT_KEY:        reflect.TypeOf(DevExtent{}),
	btrfsprim.DEV_ITEM_KEY:          reflect.TypeOf(Dev{}),
	btrfsprim.CHUNK_ITEM_KEY:        reflect.TypeOf(Chunk{}),
	btrfsprim.QGROUP_RELATION_KEY:   reflect.TypeOf(Empty{}),
}

// UnmarshalItem parses an item body.  Rather than returning a
// separate error value, it returns an Error item.
func UnmarshalItem(key btrfsprim.Key, csumType btrfssum.CSumType, dat []byte) Item {
	gotyp, ok := keytype2gotype[key.ItemType]
	if !ok {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): unknown item type", key.ItemType),
		}
	}
	retPtr := reflect.New(gotyp)
	if csums, ok := retPtr.Interface().(*ExtentCSum); ok {
		csums.ChecksumSize = csumType.Size()
		csums.Addr = btrfsvol.LogicalAddr(key.Offset)
	}
	n, err := binstruct.Unmarshal(dat, retPtr.Interface())
	if err != nil {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): %w", key.ItemType, err),
		}
	}
	if n < len(dat) {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): left over data: got %v bytes but only consumed %v",
				key.ItemType, len(dat), n),
		}
	}
	return retPtr.Elem().Interface().(Item)
}

func (Inode) isItem()         {}
func (InodeRefs) isItem()     {}
func (InodeExtrefs) isItem()  {}
func (DirEntry) isItem()      {}
func (Empty) isItem()         {}
func (FileExtent) isItem()    {}
func (ExtentCSum) isItem()    {}
func (Root) isItem()          {}
func (RootRef) isItem()       {}
func (Extent) isItem()        {}
func (Metadata) isItem()      {}
func (ExtentDataRef) isItem() {}
func (SharedDataRef) isItem() {}
func (BlockGroup) isItem()    {}
func (DevExtent) isItem()     {}
func (Dev) isItem()           {}
func (Chunk) isItem()         {}
