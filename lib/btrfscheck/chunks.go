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
	"github.com/kdave/btrfs-progs-sub004/lib/containers"
)

// metadataStripeLen is the RAID stripe granularity that a metadata
// block must not cross.
const metadataStripeLen = 64 * 1024

// blockGroupState is the running accounting for one chunk's range.
type blockGroupState struct {
	LAddr btrfsvol.LogicalAddr
	Size  btrfsvol.AddrDelta
	Flags btrfsvol.BlockGroupFlags

	UsedCalculated int64
}

// checkChunksAndExtents is Pass A: chunk/dev-extent/block-group
// sanity, structural walks of every fs-root tree, and extent-tree
// backref verification.
func (chk *checker) checkChunksAndExtents(ctx context.Context) (ErrorSet, error) {
	var errs ErrorSet

	chunkTree, err := chk.fs.TreeRoot(ctx, btrfsprim.CHUNK_TREE_OBJECTID)
	if err != nil {
		return errs, err
	}

	var blockGroups []*blockGroupState
	chunkErrs := chk.walkTree(ctx, *chunkTree, btrfstree.TreeWalkHandler{
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			chunk, ok := item.Body.(btrfsitem.Chunk)
			if !ok {
				return
			}
			errs.InsertFrom(chk.checkChunkItem(ctx, item.Key, chunk))
			blockGroups = append(blockGroups, &blockGroupState{
				LAddr: btrfsvol.LogicalAddr(item.Key.Offset),
				Size:  chunk.Head.Size,
				Flags: chunk.Head.Type,
			})
		},
	})
	errs.InsertFrom(chunkErrs)
	if chunkErrs.Has(FATAL_ERROR) {
		return errs, nil
	}

	// Walk every tree below every fs-root, verifying structure
	// and that the extent tree references each block.
	rootTree, err := chk.fs.TreeRoot(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return errs, err
	}
	errs.InsertFrom(chk.walkTree(ctx, *rootTree, btrfstree.TreeWalkHandler{
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			if item.Key.ItemType != btrfsprim.ROOT_ITEM_KEY || !isFSRootID(item.Key.ObjectID) {
				return
			}
			root, ok := item.Body.(btrfsitem.Root)
			if !ok {
				errs.Insert(UNKNOWN_TYPE)
				return
			}
			errs.InsertFrom(chk.checkTreeBlocks(ctx, btrfstree.TreeRoot{
				TreeID:     item.Key.ObjectID,
				RootNode:   root.ByteNr,
				Level:      root.Level,
				Generation: root.Generation,
			}))
		},
	}))

	// Extent tree: verify each extent item's backrefs resolve to
	// live referencers, and accumulate accounting.
	extentTree, err := chk.fs.TreeRoot(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return errs, err
	}
	var totalUsed int64
	errs.InsertFrom(chk.walkTree(ctx, *extentTree, btrfstree.TreeWalkHandler{
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			switch body := item.Body.(type) {
			case btrfsitem.Extent:
				errs.InsertFrom(chk.checkExtentItem(ctx, item.Key, body.Head, body.Info, body.Refs,
					item.Key.ItemType == btrfsprim.METADATA_ITEM_KEY))
				nbytes := chk.accountExtent(item.Key, blockGroups)
				totalUsed += nbytes
			case btrfsitem.Metadata:
				errs.InsertFrom(chk.checkExtentItem(ctx, item.Key, body.Head, btrfsitem.TreeBlockInfo{}, body.Refs, true))
				nbytes := chk.accountExtent(item.Key, blockGroups)
				totalUsed += nbytes
			case btrfsitem.BlockGroup:
				errs.InsertFrom(chk.checkBlockGroupItem(item.Key, body, blockGroups))
			}
		},
	}))

	// Block-group accounting: .Used must equal the sum of the
	// extents inside the chunk's range.
	for _, bg := range blockGroups {
		bgItem, found, err := chk.lookupBlockGroup(ctx, bg.LAddr, bg.Size)
		if err != nil {
			return errs, err
		}
		if !found {
			continue // already flagged by checkChunkItem
		}
		if bgItem.Used != bg.UsedCalculated {
			dlog.Errorf(ctx, "error: block group %v: used=%v but extents total %v",
				bg.LAddr, bgItem.Used, bg.UsedCalculated)
			errs.Insert(BG_ACCOUNTING_ERROR)
			errs.Insert(ACCOUNTING_MISMATCH)
		}
	}

	if totalUsed != int64(chk.sb.BytesUsed) {
		dlog.Errorf(ctx, "error: superblock bytes_used=%v but extents total %v",
			chk.sb.BytesUsed, totalUsed)
		errs.Insert(SUPER_BYTES_USED_ERROR)
	}

	return errs, nil
}

func isFSRootID(id btrfsprim.ObjID) bool {
	return id == btrfsprim.FS_TREE_OBJECTID ||
		id == btrfsprim.DATA_RELOC_TREE_OBJECTID ||
		(id >= btrfsprim.FIRST_FREE_OBJECTID && id <= btrfsprim.LAST_FREE_OBJECTID)
}

// accountExtent adds the extent at key into the block group that
// contains it, returning the extent's byte size.
func (chk *checker) accountExtent(key btrfsprim.Key, blockGroups []*blockGroupState) int64 {
	var nbytes int64
	if key.ItemType == btrfsprim.METADATA_ITEM_KEY {
		nbytes = int64(chk.sb.NodeSize)
	} else {
		nbytes = int64(key.Offset)
	}
	laddr := btrfsvol.LogicalAddr(key.ObjectID)
	for _, bg := range blockGroups {
		if bg.LAddr <= laddr && laddr < bg.LAddr.Add(bg.Size) {
			bg.UsedCalculated += nbytes
			break
		}
	}
	return nbytes
}

// checkChunkItem verifies one chunk item: profile validity, stripe
// resolution through the dev tree, and block-group agreement.
func (chk *checker) checkChunkItem(ctx context.Context, key btrfsprim.Key, chunk btrfsitem.Chunk) ErrorSet {
	var errs ErrorSet

	laddr := btrfsvol.LogicalAddr(key.Offset)
	if key.ObjectID != btrfsprim.FIRST_CHUNK_TREE_OBJECTID {
		dlog.Errorf(ctx, "error: chunk %v: bad key objectid %v", laddr, key.ObjectID)
		errs.Insert(UNKNOWN_TYPE)
	}
	if !chk.sectorAligned(int64(laddr), int64(chunk.Head.Size)) {
		dlog.Errorf(ctx, "error: chunk %v: logical range is not sector-aligned", laddr)
		errs.Insert(BYTES_UNALIGNED)
	}
	if chunk.Head.Type&btrfsvol.BLOCK_GROUP_TYPE_MASK == 0 {
		dlog.Errorf(ctx, "error: chunk %v: type %v names no space kind", laddr, chunk.Head.Type)
		errs.Insert(CHUNK_TYPE_MISMATCH)
	}
	if !validStripeCount(chunk.Head.Type, len(chunk.Stripes), int(chunk.Head.SubStripes)) {
		dlog.Errorf(ctx, "error: chunk %v: %v stripes is invalid for profile %v",
			laddr, len(chunk.Stripes), chunk.Head.Type)
		errs.Insert(CHUNK_TYPE_MISMATCH)
		return errs
	}

	stripeLen := calcStripeLength(chunk.Head.Type, chunk.Head.Size, len(chunk.Stripes), int(chunk.Head.SubStripes))
	for i, stripe := range chunk.Stripes {
		stripeErrs := chk.checkStripe(ctx, laddr, stripeLen, i, stripe)
		errs.InsertFrom(stripeErrs)
	}

	// The chunk must be summarized by a block-group item of the
	// same range and type.
	bg, found, err := chk.lookupBlockGroup(ctx, laddr, chunk.Head.Size)
	switch {
	case err != nil:
		errs.Insert(FATAL_ERROR)
	case !found:
		dlog.Errorf(ctx, "error: chunk %v: no block group item", laddr)
		errs.Insert(REFERENCER_MISSING)
	case bg.Flags&btrfsvol.BLOCK_GROUP_TYPE_MASK != chunk.Head.Type&btrfsvol.BLOCK_GROUP_TYPE_MASK:
		dlog.Errorf(ctx, "error: chunk %v: chunk type %v but block group type %v",
			laddr, chunk.Head.Type, bg.Flags)
		errs.Insert(CHUNK_TYPE_MISMATCH)
	}

	return errs
}

// checkStripe resolves one stripe to its dev extent and device.
func (chk *checker) checkStripe(ctx context.Context, chunkLAddr btrfsvol.LogicalAddr, stripeLen btrfsvol.AddrDelta, i int, stripe btrfsitem.ChunkStripe) ErrorSet {
	var errs ErrorSet

	item, found, err := chk.lookupItem(ctx, btrfsprim.DEV_TREE_OBJECTID, btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(stripe.DeviceID),
		ItemType: btrfsprim.DEV_EXTENT_KEY,
		Offset:   uint64(stripe.Offset),
	})
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	if !found {
		dlog.Errorf(ctx, "error: chunk %v stripe %v: no dev extent at (%v, %v)",
			chunkLAddr, i, stripe.DeviceID, stripe.Offset)
		errs.Insert(REFERENCER_MISSING)
		return errs
	}
	devext, ok := item.Body.(btrfsitem.DevExtent)
	if !ok {
		errs.Insert(UNKNOWN_TYPE)
		return errs
	}
	if devext.Length != stripeLen {
		dlog.Errorf(ctx, "error: chunk %v stripe %v: dev extent length %v != stripe length %v",
			chunkLAddr, i, devext.Length, stripeLen)
		errs.Insert(REFERENCER_MISMATCH)
	}
	if devext.ChunkOffset != chunkLAddr {
		dlog.Errorf(ctx, "error: chunk %v stripe %v: dev extent names chunk %v",
			chunkLAddr, i, devext.ChunkOffset)
		errs.Insert(REFERENCER_MISMATCH)
	}

	// The stripe must fit within its device.
	devItem, found, err := chk.lookupItem(ctx, btrfsprim.CHUNK_TREE_OBJECTID, btrfsprim.Key{
		ObjectID: btrfsprim.DEV_ITEMS_OBJECTID,
		ItemType: btrfsprim.DEV_ITEM_KEY,
		Offset:   uint64(stripe.DeviceID),
	})
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	if !found {
		dlog.Errorf(ctx, "error: chunk %v stripe %v: no dev item for device %v",
			chunkLAddr, i, stripe.DeviceID)
		errs.Insert(REFERENCER_MISSING)
		return errs
	}
	if dev, ok := devItem.Body.(btrfsitem.Dev); ok {
		if uint64(stripe.Offset.Add(stripeLen)) > dev.NumBytes {
			dlog.Errorf(ctx, "error: chunk %v stripe %v: extends past end of device %v",
				chunkLAddr, i, stripe.DeviceID)
			errs.Insert(REFERENCER_MISMATCH)
		}
	}

	return errs
}

// lookupBlockGroup finds the block-group item summarizing the chunk
// at laddr, looking in the block-group tree when the filesystem has
// one.
func (chk *checker) lookupBlockGroup(ctx context.Context, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) (btrfsitem.BlockGroup, bool, error) {
	treeID := btrfsprim.EXTENT_TREE_OBJECTID
	if chk.sb.BlockGroupRoot != 0 {
		treeID = btrfsprim.BLOCK_GROUP_TREE_OBJECTID
	}
	item, found, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(laddr),
		ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY,
		Offset:   uint64(size),
	})
	if err != nil || !found {
		return btrfsitem.BlockGroup{}, false, err
	}
	bg, ok := item.Body.(btrfsitem.BlockGroup)
	if !ok {
		return btrfsitem.BlockGroup{}, false, nil
	}
	return bg, true, nil
}

// checkBlockGroupItem verifies a block-group item corresponds to a
// chunk.
func (chk *checker) checkBlockGroupItem(key btrfsprim.Key, bg btrfsitem.BlockGroup, blockGroups []*blockGroupState) ErrorSet {
	var errs ErrorSet
	laddr := btrfsvol.LogicalAddr(key.ObjectID)
	for _, state := range blockGroups {
		if state.LAddr == laddr && state.Size == btrfsvol.AddrDelta(key.Offset) {
			if state.Flags&btrfsvol.BLOCK_GROUP_TYPE_MASK != bg.Flags&btrfsvol.BLOCK_GROUP_TYPE_MASK {
				errs.Insert(CHUNK_TYPE_MISMATCH)
			}
			return errs
		}
	}
	errs.Insert(REFERENCER_MISSING)
	return errs
}

// checkTreeBlocks structurally walks one tree and verifies that the
// extent tree references every block of it.
func (chk *checker) checkTreeBlocks(ctx context.Context, tree btrfstree.TreeRoot) ErrorSet {
	ctx = dlog.WithField(ctx, "btrfs.check.root", tree.TreeID)
	var errs ErrorSet
	errs.InsertFrom(chk.walkTree(ctx, tree, btrfstree.TreeWalkHandler{
		Node: func(_ btrfstree.Path, node *btrfstree.Node) {
			errs.InsertFrom(chk.checkTreeBlockBackref(ctx, node))
		},
	}))
	return errs
}

// checkTreeBlockBackref verifies that a tree block's bytenr appears
// in the extent tree, as either an EXTENT_ITEM or a METADATA_ITEM.
func (chk *checker) checkTreeBlockBackref(ctx context.Context, node *btrfstree.Node) ErrorSet {
	var errs ErrorSet
	bytenr := node.Head.Addr

	item, found, err := chk.prevItemForObjectID(ctx, btrfsprim.EXTENT_TREE_OBJECTID, btrfsprim.ObjID(bytenr))
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	if !found || item.Key.ObjectID != btrfsprim.ObjID(bytenr) {
		dlog.Errorf(ctx, "error: tree block %v: no extent item", bytenr)
		errs.Insert(BACKREF_MISSING)
		return errs
	}
	switch item.Key.ItemType {
	case btrfsprim.METADATA_ITEM_KEY:
		if uint8(item.Key.Offset) != node.Head.Level {
			dlog.Errorf(ctx, "error: tree block %v: metadata item says level %v but header says %v",
				bytenr, item.Key.Offset, node.Head.Level)
			errs.Insert(BACKREF_MISMATCH)
		}
		if body, ok := item.Body.(btrfsitem.Metadata); ok {
			if body.Head.Generation != node.Head.Generation {
				errs.Insert(BACKREF_MISMATCH)
			}
		}
	case btrfsprim.EXTENT_ITEM_KEY:
		body, ok := item.Body.(btrfsitem.Extent)
		if !ok {
			errs.Insert(UNKNOWN_TYPE)
			return errs
		}
		if !body.Head.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) {
			dlog.Errorf(ctx, "error: tree block %v: extent item is not flagged TREE_BLOCK", bytenr)
			errs.Insert(BACKREF_MISMATCH)
		}
		if btrfsvol.AddrDelta(item.Key.Offset) != btrfsvol.AddrDelta(chk.sb.NodeSize) {
			errs.Insert(BACKREF_MISMATCH)
		}
		if body.Info.Level != node.Head.Level {
			errs.Insert(BACKREF_MISMATCH)
		}
		if body.Head.Generation != node.Head.Generation {
			errs.Insert(BACKREF_MISMATCH)
		}
	default:
		dlog.Errorf(ctx, "error: tree block %v: greatest item ≤ bytenr is %v, not an extent item",
			bytenr, item.Key)
		errs.Insert(BACKREF_MISSING)
	}
	return errs
}

// checkExtentItem verifies one extent item: alignment, generation,
// level bookkeeping, and that every backref (inline and keyed)
// resolves to a live referencer whose counts sum to the refcount.
func (chk *checker) checkExtentItem(ctx context.Context, key btrfsprim.Key, head btrfsitem.ExtentHeader, info btrfsitem.TreeBlockInfo, inlineRefs []btrfsitem.ExtentInlineRef, isMetadata bool) ErrorSet {
	var errs ErrorSet
	bytenr := btrfsvol.LogicalAddr(key.ObjectID)

	isTreeBlock := isMetadata || head.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK)
	if !isTreeBlock && !head.Flags.Has(btrfsitem.EXTENT_FLAG_DATA) {
		dlog.Errorf(ctx, "error: extent %v: flags %v name neither data nor tree-block", bytenr, head.Flags)
		errs.Insert(UNKNOWN_TYPE)
	}

	if head.Generation > chk.sb.Generation {
		dlog.Errorf(ctx, "error: extent %v: generation %v is past the superblock's %v",
			bytenr, head.Generation, chk.sb.Generation)
		errs.Insert(INVALID_GENERATION)
	}

	if isTreeBlock {
		if !chk.sectorAligned(int64(bytenr)) {
			errs.Insert(BYTES_UNALIGNED)
		}
		if bytenr/metadataStripeLen != (bytenr.Add(btrfsvol.AddrDelta(chk.sb.NodeSize))-1)/metadataStripeLen {
			dlog.Errorf(ctx, "error: tree block %v crosses a %v-byte stripe boundary",
				bytenr, metadataStripeLen)
			errs.Insert(CROSSING_STRIPE_BOUNDARY)
		}
		// With skinny metadata the level lives in the key
		// offset; historical images may carry both sources,
		// and a disagreement is flagged rather than silently
		// preferring either.
		if !isMetadata && chk.sb.IncompatFlags.Has(btrfstree.FeatureIncompatSkinnyMetadata) &&
			info.Level != 0 && uint64(info.Level) != key.Offset {
			errs.Insert(BACKREF_MISMATCH)
		}
	} else {
		if !chk.sectorAligned(int64(bytenr), int64(key.Offset)) {
			errs.Insert(BYTES_UNALIGNED)
		}
	}

	// Walk the backrefs, inline then keyed.
	var refSum int64
	for _, ref := range inlineRefs {
		refSum += ref.Count()
		errs.InsertFrom(chk.checkBackref(ctx, bytenr, key, ref, isTreeBlock))
	}
	keyedSum, keyedErrs := chk.checkKeyedBackrefs(ctx, bytenr, key, isTreeBlock)
	refSum += keyedSum
	errs.InsertFrom(keyedErrs)

	if refSum != head.Refs {
		dlog.Errorf(ctx, "error: extent %v: refcount %v but backrefs total %v",
			bytenr, head.Refs, refSum)
		errs.Insert(BACKREF_MISMATCH)
	}

	return errs
}

// checkKeyedBackrefs walks the keyed backref items that follow an
// extent item (same objectid, backref item types).
func (chk *checker) checkKeyedBackrefs(ctx context.Context, bytenr btrfsvol.LogicalAddr, extKey btrfsprim.Key, isTreeBlock bool) (int64, ErrorSet) {
	var errs ErrorSet
	var refSum int64

	tree, err := chk.fs.TreeRoot(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return 0, errs
	}
	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	if _, err := cur.SearchSlot(ctx, extKey); err != nil {
		errs.Insert(FATAL_ERROR)
		return 0, errs
	}
	for {
		ok, err := cur.NextSlot(ctx)
		if err != nil {
			errs.Insert(FATAL_ERROR)
			return refSum, errs
		}
		if !ok || cur.Key().ObjectID != extKey.ObjectID {
			break
		}
		item := cur.Item()
		switch item.Key.ItemType {
		case btrfsprim.TREE_BLOCK_REF_KEY, btrfsprim.SHARED_BLOCK_REF_KEY:
			refSum++
			errs.InsertFrom(chk.checkBackref(ctx, bytenr, extKey, btrfsitem.ExtentInlineRef{
				Type:   item.Key.ItemType,
				Offset: item.Key.Offset,
			}, isTreeBlock))
		case btrfsprim.EXTENT_DATA_REF_KEY:
			if body, ok := item.Body.(btrfsitem.ExtentDataRef); ok {
				refSum += int64(body.Count)
				errs.InsertFrom(chk.checkBackref(ctx, bytenr, extKey, btrfsitem.ExtentInlineRef{
					Type: item.Key.ItemType,
					Body: body,
				}, isTreeBlock))
			}
		case btrfsprim.SHARED_DATA_REF_KEY:
			if body, ok := item.Body.(btrfsitem.SharedDataRef); ok {
				refSum += int64(body.Count)
			}
		default:
			// first non-backref item ends the run
			return refSum, errs
		}
	}
	return refSum, errs
}

// checkBackref resolves a single backref to its referencer.
func (chk *checker) checkBackref(ctx context.Context, bytenr btrfsvol.LogicalAddr, extKey btrfsprim.Key, ref btrfsitem.ExtentInlineRef, isTreeBlock bool) ErrorSet {
	var errs ErrorSet

	switch ref.Type {
	case btrfsprim.TREE_BLOCK_REF_KEY:
		// The referencer is the tree block itself; verify it
		// exists and looks like the extent item claims.
		node, err := chk.fs.AcquireNode(ctx, bytenr, btrfstree.NodeExpectations{
			LAddr: containers.OptionalValue(bytenr),
		})
		defer chk.fs.ReleaseNode(node)
		if err != nil {
			dlog.Errorf(ctx, "error: extent %v: tree-block backref: %v", bytenr, err)
			errs.Insert(REFERENCER_MISSING)
			return errs
		}
		rootID := btrfsprim.ObjID(ref.Offset)
		if _, err := chk.fs.TreeRoot(ctx, rootID); err != nil {
			dlog.Errorf(ctx, "error: extent %v: tree-block backref names missing root %v", bytenr, rootID)
			errs.Insert(REFERENCER_MISSING)
		}
	case btrfsprim.SHARED_BLOCK_REF_KEY:
		// The offset is the parent node's bytenr.
		parent, err := chk.fs.AcquireNode(ctx, btrfsvol.LogicalAddr(ref.Offset), btrfstree.NodeExpectations{
			LAddr: containers.OptionalValue(btrfsvol.LogicalAddr(ref.Offset)),
		})
		defer chk.fs.ReleaseNode(parent)
		if err != nil {
			errs.Insert(REFERENCER_MISSING)
			return errs
		}
		found := false
		for _, kp := range parent.BodyInterior {
			if kp.BlockPtr == bytenr {
				found = true
				break
			}
		}
		if !found {
			dlog.Errorf(ctx, "error: extent %v: shared-block backref parent %v has no pointer to it",
				bytenr, ref.Offset)
			errs.Insert(REFERENCER_MISMATCH)
		}
	case btrfsprim.EXTENT_DATA_REF_KEY:
		dref, ok := ref.Body.(btrfsitem.ExtentDataRef)
		if !ok {
			errs.Insert(UNKNOWN_TYPE)
			return errs
		}
		errs.InsertFrom(chk.checkExtentDataRef(ctx, bytenr, extKey, dref))
	case btrfsprim.SHARED_DATA_REF_KEY:
		// The offset is the leaf holding the file extent.
		leaf, err := chk.fs.AcquireNode(ctx, btrfsvol.LogicalAddr(ref.Offset), btrfstree.NodeExpectations{
			LAddr: containers.OptionalValue(btrfsvol.LogicalAddr(ref.Offset)),
		})
		defer chk.fs.ReleaseNode(leaf)
		if err != nil {
			errs.Insert(REFERENCER_MISSING)
		}
	default:
		errs.Insert(UNKNOWN_TYPE)
	}

	return errs
}

// checkExtentDataRef counts the file extents in the named subvolume
// that actually reference this extent, and compares against the
// backref's stored count.  File extents reached via a relocation tree
// do not count.
func (chk *checker) checkExtentDataRef(ctx context.Context, bytenr btrfsvol.LogicalAddr, extKey btrfsprim.Key, dref btrfsitem.ExtentDataRef) ErrorSet {
	var errs ErrorSet

	if dref.Root == btrfsprim.TREE_RELOC_OBJECTID || dref.Root == btrfsprim.DATA_RELOC_TREE_OBJECTID {
		return errs
	}
	tree, err := chk.fs.TreeRoot(ctx, dref.Root)
	if err != nil {
		dlog.Errorf(ctx, "error: extent %v: data backref names missing root %v", bytenr, dref.Root)
		errs.Insert(REFERENCER_MISSING)
		return errs
	}

	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	if _, err := cur.SearchSlot(ctx, btrfsprim.Key{
		ObjectID: dref.ObjectID,
		ItemType: btrfsprim.EXTENT_DATA_KEY,
		Offset:   0,
	}); err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}

	var count int32
	for {
		if _, slot := cur.Leaf(); slot >= 0 {
			item := cur.Item()
			if item.Key.ObjectID > dref.ObjectID ||
				(item.Key.ObjectID == dref.ObjectID && item.Key.ItemType > btrfsprim.EXTENT_DATA_KEY) {
				break
			}
			if item.Key.ObjectID == dref.ObjectID && item.Key.ItemType == btrfsprim.EXTENT_DATA_KEY {
				if fe, ok := item.Body.(btrfsitem.FileExtent); ok &&
					fe.Type != btrfsitem.FILE_EXTENT_INLINE &&
					fe.BodyExtent.DiskByteNr == bytenr &&
					int64(item.Key.Offset)-int64(fe.BodyExtent.Offset) == dref.Offset {
					count++
				}
			}
		}
		ok, err := cur.NextSlot(ctx)
		if err != nil {
			errs.Insert(FATAL_ERROR)
			return errs
		}
		if !ok {
			break
		}
	}

	switch {
	case count == 0:
		dlog.Errorf(ctx, "error: extent %v: data backref (root=%v inode=%v offset=%v): no matching file extent",
			bytenr, dref.Root, dref.ObjectID, dref.Offset)
		errs.Insert(REFERENCER_MISSING)
	case count != dref.Count:
		dlog.Errorf(ctx, "error: extent %v: data backref count %v but found %v matching file extents",
			bytenr, dref.Count, count)
		errs.Insert(BACKREF_MISMATCH)
	}
	return errs
}

// stripe math, per profile.

func validStripeCount(flags btrfsvol.BlockGroupFlags, numStripes, subStripes int) bool {
	switch {
	case flags.Has(btrfsvol.BLOCK_GROUP_DUP), flags.Has(btrfsvol.BLOCK_GROUP_RAID1):
		return numStripes == 2
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID1C3):
		return numStripes == 3
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID1C4):
		return numStripes == 4
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID10):
		return subStripes > 0 && numStripes >= 4 && numStripes%subStripes == 0
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID5):
		return numStripes >= 2
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID6):
		return numStripes >= 3
	default: // single, RAID0
		return numStripes >= 1
	}
}

func calcStripeLength(flags btrfsvol.BlockGroupFlags, size btrfsvol.AddrDelta, numStripes, subStripes int) btrfsvol.AddrDelta {
	switch {
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID0):
		return size / btrfsvol.AddrDelta(numStripes)
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID10):
		if subStripes == 0 {
			subStripes = 2
		}
		return size / btrfsvol.AddrDelta(numStripes/subStripes)
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID5):
		return size / btrfsvol.AddrDelta(numStripes-1)
	case flags.Has(btrfsvol.BLOCK_GROUP_RAID6):
		return size / btrfsvol.AddrDelta(numStripes-2)
	default: // single, DUP, RAID1*
		return size
	}
}
