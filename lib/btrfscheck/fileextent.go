// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/slices"
)

// checkFileExtent verifies one EXTENT_DATA item: variant membership,
// generation bound, alignment, the backing extent item, csum
// coverage, and hole bookkeeping.
func (chk *checker) checkFileExtent(ctx context.Context, treeID btrfsprim.ObjID, state *inodeState, key btrfsprim.Key, fe btrfsitem.FileExtent) ErrorSet {
	var errs ErrorSet
	id := state.ID
	fileOffset := int64(key.Offset)

	if fe.Generation > chk.generationBound(treeID) {
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: generation %v past superblock generation %v",
			treeID, id, fileOffset, fe.Generation, chk.sb.Generation)
		errs.Insert(INVALID_GENERATION)
	}

	switch fe.Type {
	case btrfsitem.FILE_EXTENT_INLINE:
		// Inline extents only live at offset 0.
		if fileOffset != 0 {
			errs.Insert(FILE_EXTENT_ERROR)
		}
		if fe.Compression == btrfsitem.COMPRESS_NONE && fe.RAMBytes != int64(len(fe.BodyInline)) {
			dlog.Errorf(ctx, "error: root %v inode %v inline extent: ram_bytes=%v but payload is %v bytes",
				treeID, id, fe.RAMBytes, len(fe.BodyInline))
			errs.Insert(FILE_EXTENT_ERROR)
			chk.repair(ctx, &errs, FILE_EXTENT_ERROR, "rewrite inline extent ram_bytes", func(txn Transaction) error {
				fixed := fe
				fixed.RAMBytes = int64(len(fixed.BodyInline))
				return txn.UpdateItem(ctx, treeID, key, fixed)
			})
		}
		state.NBytes += fe.RAMBytes
		state.ExtentEnd = slices.Max(state.ExtentEnd, fe.RAMBytes)
		return errs

	case btrfsitem.FILE_EXTENT_REG, btrfsitem.FILE_EXTENT_PREALLOC:
		// handled below
	default:
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: unknown type %v",
			treeID, id, fileOffset, fe.Type)
		errs.Insert(UNKNOWN_TYPE)
		errs.Insert(FILE_EXTENT_ERROR)
		return errs
	}

	ext := fe.BodyExtent

	if !chk.sectorAligned(int64(ext.DiskByteNr), int64(ext.DiskNumBytes)) {
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: disk range %v+%v is not sector-aligned",
			treeID, id, fileOffset, ext.DiskByteNr, ext.DiskNumBytes)
		errs.Insert(BYTES_UNALIGNED)
	}
	if fe.RAMBytes != 0 && int64(ext.Offset)+ext.NumBytes > fe.RAMBytes {
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: extent_offset+num_bytes=%v exceeds ram_bytes=%v",
			treeID, id, fileOffset, int64(ext.Offset)+ext.NumBytes, fe.RAMBytes)
		errs.Insert(FILE_EXTENT_ERROR)
	}

	// Hole accounting: a gap before this extent inside [0, isize)
	// is only legal as an explicit hole when no-holes is off.
	if !chk.sb.IncompatFlags.Has(btrfstree.FeatureIncompatNoHoles) &&
		fileOffset > state.ExtentEnd && state.ExtentEnd < state.Inode.Size {
		dlog.Errorf(ctx, "error: root %v inode %v: implicit hole [%v,%v)",
			treeID, id, state.ExtentEnd, fileOffset)
		errs.Insert(FILE_EXTENT_ERROR)
		beg, end := state.ExtentEnd, fileOffset
		chk.repair(ctx, &errs, FILE_EXTENT_ERROR, "punch explicit hole", func(txn Transaction) error {
			return txn.PunchHole(ctx, treeID, id, beg, end)
		})
	}
	state.ExtentEnd = slices.Max(state.ExtentEnd, fileOffset+ext.NumBytes)

	if fe.IsHole() {
		// Holes have no backing extent and no csums.
		return errs
	}
	state.NBytes += ext.NumBytes

	// The backing extent item must exist, be data-flagged, and
	// span exactly disk_num_bytes.
	errs.InsertFrom(chk.checkFileExtentBackref(ctx, treeID, id, fileOffset, ext))

	// CSum coverage across the referenced disk range.
	csumBeg := ext.DiskByteNr.Add(ext.Offset)
	csumBytes, err := chk.countCSumRange(ctx, csumBeg, ext.NumBytes)
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	noDataSum := state.Inode.Flags.Has(btrfsitem.INODE_NODATASUM)
	switch {
	case fe.Type == btrfsitem.FILE_EXTENT_PREALLOC || noDataSum:
		// Prealloc'd-but-unwritten extents and nodatasum files
		// must have no csums at all.
		if csumBytes > 0 && !chk.preallocExtentWritten(ctx, ext) {
			dlog.Errorf(ctx, "error: root %v inode %v extent @%v: unexpected csums for %v extent",
				treeID, id, fileOffset, fe.Type)
			errs.Insert(ODD_CSUM_ITEM)
		}
	default:
		if csumBytes != ext.NumBytes {
			dlog.Errorf(ctx, "error: root %v inode %v extent @%v: csum coverage %v of %v bytes",
				treeID, id, fileOffset, csumBytes, ext.NumBytes)
			errs.Insert(CSUM_ITEM_MISSING)
		}
	}

	return errs
}

// checkFileExtentBackref resolves the file extent's disk_bytenr to
// its extent item.
func (chk *checker) checkFileExtentBackref(ctx context.Context, treeID btrfsprim.ObjID, id btrfsprim.ObjID, fileOffset int64, ext btrfsitem.FileExtentExtent) ErrorSet {
	var errs ErrorSet

	item, found, err := chk.prevItemForObjectID(ctx, btrfsprim.EXTENT_TREE_OBJECTID, btrfsprim.ObjID(ext.DiskByteNr))
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	if !found || item.Key.ObjectID != btrfsprim.ObjID(ext.DiskByteNr) ||
		item.Key.ItemType != btrfsprim.EXTENT_ITEM_KEY {
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: no extent item for disk bytenr %v",
			treeID, id, fileOffset, ext.DiskByteNr)
		errs.Insert(BACKREF_MISSING)
		return errs
	}
	body, ok := item.Body.(btrfsitem.Extent)
	if !ok {
		errs.Insert(UNKNOWN_TYPE)
		return errs
	}
	if !body.Head.Flags.Has(btrfsitem.EXTENT_FLAG_DATA) {
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: extent item %v is not data-flagged",
			treeID, id, fileOffset, ext.DiskByteNr)
		errs.Insert(BACKREF_MISMATCH)
	}
	if btrfsvol.AddrDelta(item.Key.Offset) != ext.DiskNumBytes {
		dlog.Errorf(ctx, "error: root %v inode %v extent @%v: extent item covers %v bytes but disk_num_bytes=%v",
			treeID, id, fileOffset, item.Key.Offset, ext.DiskNumBytes)
		errs.Insert(BACKREF_MISMATCH)
	}
	return errs
}

// preallocExtentWritten reports whether any part of a prealloc extent
// has been written (in which case csums for it are legitimate).
func (chk *checker) preallocExtentWritten(ctx context.Context, ext btrfsitem.FileExtentExtent) bool {
	item, found, err := chk.prevItemForObjectID(ctx, btrfsprim.EXTENT_TREE_OBJECTID, btrfsprim.ObjID(ext.DiskByteNr))
	if err != nil || !found || item.Key.ObjectID != btrfsprim.ObjID(ext.DiskByteNr) {
		return false
	}
	body, ok := item.Body.(btrfsitem.Extent)
	if !ok {
		return false
	}
	// The extent counts as written when its extent item has a
	// nonzero generation and more than one reference.
	return body.Head.Generation > 0 && body.Head.Refs > 1
}

// countCSumRange returns how many bytes of [start, start+length) are
// covered by checksum items.
func (chk *checker) countCSumRange(ctx context.Context, start btrfsvol.LogicalAddr, length int64) (int64, error) {
	end := start.Add(btrfsvol.AddrDelta(length))

	tree, err := chk.fs.TreeRoot(ctx, btrfsprim.CSUM_TREE_OBJECTID)
	if err != nil {
		return 0, err
	}
	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	if _, err := cur.SearchSlot(ctx, btrfsprim.Key{
		ObjectID: btrfsprim.EXTENT_CSUM_OBJECTID,
		ItemType: btrfsprim.EXTENT_CSUM_KEY,
		Offset:   uint64(start),
	}); err != nil {
		return 0, err
	}

	var covered int64
	for {
		if _, slot := cur.Leaf(); slot >= 0 {
			item := cur.Item()
			if item.Key.ObjectID == btrfsprim.EXTENT_CSUM_OBJECTID &&
				item.Key.ItemType == btrfsprim.EXTENT_CSUM_KEY {
				if sums, ok := item.Body.(btrfsitem.ExtentCSum); ok {
					beg, fin := sums.Covers()
					if fin > start && beg < end {
						lo := slices.Max(beg, start)
						hi := slices.Min(fin, end)
						covered += int64(hi.Sub(lo))
					}
					if beg >= end {
						break
					}
				}
			} else if item.Key.ObjectID > btrfsprim.EXTENT_CSUM_OBJECTID {
				break
			}
		}
		ok, err := cur.NextSlot(ctx)
		if err != nil {
			return covered, err
		}
		if !ok {
			break
		}
	}
	return covered, nil
}
