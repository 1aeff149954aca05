// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"bytes"
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/linux"
)

// checkFSRoots is Pass B: per-subvolume filesystem-tree semantics.
func (chk *checker) checkFSRoots(ctx context.Context) (ErrorSet, error) {
	var errs ErrorSet

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
			errs.InsertFrom(chk.checkFSRoot(
				dlog.WithField(ctx, "btrfs.check.root", item.Key.ObjectID),
				item.Key.ObjectID, root))
		},
	}))
	return errs, nil
}

// inodeState is the running aggregate for the inode currently being
// walked.
type inodeState struct {
	ID    btrfsprim.ObjID
	Inode btrfsitem.Inode
	Found bool // saw the INODE_ITEM itself

	RefCount  int64 // INODE_REF + INODE_EXTREF entries pointing at it
	NameBytes int64 // Σ name length over dir-item/dir-index entries
	NBytes    int64 // Σ num_bytes over non-hole data extents
	ExtentEnd int64 // end of the last data extent seen
}

func (chk *checker) checkFSRoot(ctx context.Context, treeID btrfsprim.ObjID, root btrfsitem.Root) ErrorSet {
	var errs ErrorSet

	tree := btrfstree.TreeRoot{
		TreeID:     treeID,
		RootNode:   root.ByteNr,
		Level:      root.Level,
		Generation: root.Generation,
	}

	// The first inode must exist and carry the root directory's
	// ".." self-reference.
	errs.InsertFrom(chk.checkRootDir(ctx, treeID, root.RootDirID))

	cur := btrfstree.NewCursor(chk.fs, tree)
	defer cur.Release()
	if _, err := cur.SearchSlot(ctx, btrfsprim.Key{}); err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}

	var state *inodeState
	var lastLeaf btrfsvol.LogicalAddr
	skipLeaf := false
	for {
		leaf, slot := cur.Leaf()
		if slot < 0 {
			ok, err := cur.NextSlot(ctx)
			if err != nil {
				errs.Insert(FATAL_ERROR)
				return errs
			}
			if !ok {
				break
			}
			continue
		}

		// Shared-leaf optimization: a leaf referenced from
		// multiple roots is visited only via the root with the
		// smallest objectid.  Never skip mid-inode; coverage
		// of an inode that straddles leaves beats the
		// optimization.
		if leaf.Head.Addr != lastLeaf {
			lastLeaf = leaf.Head.Addr
			skipLeaf = state == nil && !chk.needCheck(ctx, treeID, leaf.Head.Addr)
		}

		item := cur.Item()
		mutations := chk.mutations
		if skipLeaf {
			// fallthrough to advance
		} else if item.Key.ItemType == btrfsprim.INODE_ITEM_KEY || (state != nil && item.Key.ObjectID != state.ID) {
			if state != nil {
				errs.InsertFrom(chk.finalizeInode(ctx, treeID, state))
			}
			state = nil
			if item.Key.ItemType == btrfsprim.INODE_ITEM_KEY {
				inode, ok := item.Body.(btrfsitem.Inode)
				if !ok {
					errs.Insert(ITEM_SIZE_MISMATCH)
				} else {
					state = &inodeState{
						ID:    item.Key.ObjectID,
						Inode: inode,
						Found: true,
					}
					errs.InsertFrom(chk.checkInodeItem(ctx, treeID, item.Key.ObjectID, &state.Inode))
				}
			}
		} else if state != nil {
			errs.InsertFrom(chk.checkInodeChildItem(ctx, treeID, state, item))
		}

		// A committed repair rewrote the shared cached nodes in
		// place, leaving this cursor's slots pointing into the
		// old layout; re-search the key before advancing.  If
		// the repair deleted the key itself, the search lands
		// on its predecessor and the advance continues with the
		// item that slid into the vacated slot.
		if chk.mutations != mutations {
			if _, err := cur.SearchSlot(ctx, item.Key); err != nil {
				errs.Insert(FATAL_ERROR)
				return errs
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
	if state != nil {
		errs.InsertFrom(chk.finalizeInode(ctx, treeID, state))
	}
	return errs
}

// needCheck implements the shared-leaf rule: consult the extent item
// for the leaf; if more than one root references it, only the root
// with the smallest objectid descends.  A leaf referenced by zero
// roots is always checked.
func (chk *checker) needCheck(ctx context.Context, treeID btrfsprim.ObjID, leafAddr btrfsvol.LogicalAddr) bool {
	item, found, err := chk.prevItemForObjectID(ctx, btrfsprim.EXTENT_TREE_OBJECTID, btrfsprim.ObjID(leafAddr))
	if err != nil || !found || item.Key.ObjectID != btrfsprim.ObjID(leafAddr) {
		return true
	}

	var refs []btrfsitem.ExtentInlineRef
	switch body := item.Body.(type) {
	case btrfsitem.Extent:
		refs = body.Refs
	case btrfsitem.Metadata:
		refs = body.Refs
	default:
		return true
	}

	smallest := btrfsprim.ObjID(0)
	nroots := 0
	for _, ref := range refs {
		if ref.Type != btrfsprim.TREE_BLOCK_REF_KEY {
			continue
		}
		rootID := btrfsprim.ObjID(ref.Offset)
		nroots++
		if smallest == 0 || rootID < smallest {
			smallest = rootID
		}
	}
	if nroots <= 1 {
		return true
	}
	return treeID == smallest
}

// checkRootDir verifies the subvolume's first inode.
func (chk *checker) checkRootDir(ctx context.Context, treeID btrfsprim.ObjID, rootDirID btrfsprim.ObjID) ErrorSet {
	var errs ErrorSet
	if rootDirID == 0 {
		rootDirID = btrfsprim.FIRST_FREE_OBJECTID
	}

	_, found, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
		ObjectID: rootDirID,
		ItemType: btrfsprim.INODE_ITEM_KEY,
		Offset:   0,
	})
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	if !found {
		dlog.Errorf(ctx, "error: root %v: first inode %v is missing", treeID, rootDirID)
		errs.Insert(INODE_ITEM_MISSING)
		return errs
	}

	// The root directory's ".." is a self-reference.
	refItem, found, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
		ObjectID: rootDirID,
		ItemType: btrfsprim.INODE_REF_KEY,
		Offset:   uint64(rootDirID),
	})
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	selfRef := false
	if found {
		if refs, ok := refItem.Body.(btrfsitem.InodeRefs); ok {
			for _, ref := range refs.Refs {
				if bytes.Equal(ref.Name, []byte("..")) {
					selfRef = true
				}
			}
		}
	}
	if !selfRef {
		dlog.Errorf(ctx, "error: root %v: first inode %v has no '..' self-reference", treeID, rootDirID)
		errs.Insert(INODE_REF_MISSING)
		chk.repair(ctx, &errs, INODE_REF_MISSING, "insert root-dir '..' self-reference", func(txn Transaction) error {
			return txn.InsertItem(ctx, treeID, btrfsprim.Key{
				ObjectID: rootDirID,
				ItemType: btrfsprim.INODE_REF_KEY,
				Offset:   uint64(rootDirID),
			}, btrfsitem.InodeRefs{
				Refs: []btrfsitem.InodeRef{{Index: 0, Name: []byte("..")}},
			})
		})
	}
	return errs
}

// checkInodeItem validates the inode item's own fields.
func (chk *checker) checkInodeItem(ctx context.Context, treeID btrfsprim.ObjID, id btrfsprim.ObjID, inode *btrfsitem.Inode) ErrorSet {
	var errs ErrorSet

	if !inode.Mode.IsValid() {
		dlog.Errorf(ctx, "error: root %v inode %v: invalid mode %#o", treeID, id, uint32(inode.Mode))
		errs.Insert(INODE_MODE_ERROR)
		chk.repair(ctx, &errs, INODE_MODE_ERROR, "rewrite inode mode", func(txn Transaction) error {
			mode, err := chk.detectInodeMode(ctx, treeID, id)
			if err != nil {
				return err
			}
			fixed := *inode
			fixed.Mode = mode
			if err := txn.UpdateItem(ctx, treeID, btrfsprim.Key{
				ObjectID: id,
				ItemType: btrfsprim.INODE_ITEM_KEY,
				Offset:   0,
			}, fixed); err != nil {
				return err
			}
			inode.Mode = mode
			return nil
		})
	}

	if inode.Flags&^btrfsitem.InodeFlagsKnown != 0 {
		dlog.Errorf(ctx, "error: root %v inode %v: unknown flags %v", treeID, id, inode.Flags)
		errs.Insert(INODE_FLAGS_ERROR)
	}

	bound := chk.generationBound(treeID)
	if inode.Generation > bound || inode.TransID > bound {
		dlog.Errorf(ctx, "error: root %v inode %v: generation=%v transid=%v past superblock generation %v",
			treeID, id, inode.Generation, inode.TransID, bound)
		errs.Insert(INVALID_GENERATION)
	}

	return errs
}

// detectInodeMode infers a file type for an inode whose mode is
// garbage, by examining its adjacent items.
func (chk *checker) detectInodeMode(ctx context.Context, treeID btrfsprim.ObjID, id btrfsprim.ObjID) (linux.StatMode, error) {
	tree, err := chk.fs.TreeRoot(ctx, treeID)
	if err != nil {
		return 0, err
	}
	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	if _, err := cur.SearchSlot(ctx, btrfsprim.Key{
		ObjectID: id,
		ItemType: btrfsprim.INODE_ITEM_KEY,
		Offset:   0,
	}); err != nil {
		return 0, err
	}
	for {
		ok, err := cur.NextSlot(ctx)
		if err != nil {
			return 0, err
		}
		if !ok || cur.Key().ObjectID != id {
			break
		}
		switch cur.Key().ItemType {
		case btrfsprim.DIR_ITEM_KEY, btrfsprim.DIR_INDEX_KEY:
			return linux.ModeFmtDir | 0o700, nil
		case btrfsprim.EXTENT_DATA_KEY:
			return linux.ModeFmtRegular | 0o700, nil
		}
	}
	// No children to infer from; a regular file is the least
	// harmful guess.
	return linux.ModeFmtRegular | 0o700, nil
}

// checkInodeChildItem dispatches one non-INODE_ITEM item of the
// current inode.
func (chk *checker) checkInodeChildItem(ctx context.Context, treeID btrfsprim.ObjID, state *inodeState, item btrfstree.Item) ErrorSet {
	var errs ErrorSet

	switch item.Key.ItemType {
	case btrfsprim.INODE_REF_KEY:
		refs, ok := item.Body.(btrfsitem.InodeRefs)
		if !ok {
			errs.Insert(ITEM_SIZE_MISMATCH)
			return errs
		}
		parent := btrfsprim.ObjID(item.Key.Offset)
		for _, ref := range refs.Refs {
			state.RefCount++
			errs.InsertFrom(chk.checkInodeRef(ctx, treeID, state, parent, ref.Index, ref.Name))
		}
	case btrfsprim.INODE_EXTREF_KEY:
		refs, ok := item.Body.(btrfsitem.InodeExtrefs)
		if !ok {
			errs.Insert(ITEM_SIZE_MISMATCH)
			return errs
		}
		for _, ref := range refs.Refs {
			state.RefCount++
			errs.InsertFrom(chk.checkInodeRef(ctx, treeID, state, ref.ParentObjectID, ref.Index, ref.Name))
		}
	case btrfsprim.DIR_ITEM_KEY, btrfsprim.DIR_INDEX_KEY:
		entry, ok := item.Body.(btrfsitem.DirEntry)
		if !ok {
			errs.Insert(ITEM_SIZE_MISMATCH)
			return errs
		}
		state.NameBytes += int64(len(entry.Name))
		errs.InsertFrom(chk.checkDirEntry(ctx, treeID, state.ID, item.Key, entry))
	case btrfsprim.XATTR_ITEM_KEY:
		entry, ok := item.Body.(btrfsitem.DirEntry)
		if ok && btrfsitem.NameHash(entry.Name) != item.Key.Offset {
			errs.Insert(DIR_ITEM_HASH_MISMATCH)
		}
	case btrfsprim.EXTENT_DATA_KEY:
		fe, ok := item.Body.(btrfsitem.FileExtent)
		if !ok {
			errs.Insert(ITEM_SIZE_MISMATCH)
			return errs
		}
		errs.InsertFrom(chk.checkFileExtent(ctx, treeID, state, item.Key, fe))
	}
	return errs
}

// checkInodeRef verifies the tri-agreement of one name: the
// INODE_REF (which we are holding), the DIR_ITEM, and the DIR_INDEX
// must agree on target inode, file type, and name.
func (chk *checker) checkInodeRef(ctx context.Context, treeID btrfsprim.ObjID, state *inodeState, parent btrfsprim.ObjID, index int64, name []byte) ErrorSet {
	var errs ErrorSet

	// The root directory's ".." is a self-reference with no
	// directory-entry legs.
	if parent == state.ID && bytes.Equal(name, []byte("..")) {
		return errs
	}

	wantType := modeToFileType(state.Inode.Mode)

	// DIR_ITEM leg
	diKey := btrfsprim.Key{
		ObjectID: parent,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash(name),
	}
	diState := chk.checkDirLeg(ctx, treeID, diKey, state.ID, wantType, name)

	// DIR_INDEX leg
	dxKey := btrfsprim.Key{
		ObjectID: parent,
		ItemType: btrfsprim.DIR_INDEX_KEY,
		Offset:   uint64(index),
	}
	dxState := chk.checkDirLeg(ctx, treeID, dxKey, state.ID, wantType, name)

	switch diState {
	case legMissing:
		dlog.Errorf(ctx, "error: root %v inode %v ref %q: DIR_ITEM missing", treeID, state.ID, name)
		errs.Insert(DIR_ITEM_MISSING)
	case legMismatch:
		dlog.Errorf(ctx, "error: root %v inode %v ref %q: DIR_ITEM mismatch", treeID, state.ID, name)
		errs.Insert(DIR_ITEM_MISMATCH)
	}
	switch dxState {
	case legMissing:
		dlog.Errorf(ctx, "error: root %v inode %v ref %q: DIR_INDEX missing", treeID, state.ID, name)
		errs.Insert(DIR_INDEX_MISSING)
	case legMismatch:
		dlog.Errorf(ctx, "error: root %v inode %v ref %q: DIR_INDEX mismatch", treeID, state.ID, name)
		errs.Insert(DIR_INDEX_MISMATCH)
	}

	// Ternary repair rule: with the INODE_REF in hand, one bad
	// leg gets re-created from the two good ones; two bad legs
	// mean the surviving ref is the odd one out and is deleted.
	badLegs := 0
	if diState != legOK {
		badLegs++
	}
	if dxState != legOK {
		badLegs++
	}
	entry := btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: state.ID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
		Type:     wantType,
		Name:     name,
	}
	switch badLegs {
	case 1:
		if diState == legMissing {
			chk.repair(ctx, &errs, DIR_ITEM_MISSING, "insert missing DIR_ITEM", func(txn Transaction) error {
				return txn.InsertItem(ctx, treeID, diKey, entry)
			})
		}
		if dxState == legMissing {
			chk.repair(ctx, &errs, DIR_INDEX_MISSING, "insert missing DIR_INDEX", func(txn Transaction) error {
				return txn.InsertItem(ctx, treeID, dxKey, entry)
			})
		}
		if chk.opts.Repair {
			// The parent directory's entry counts were
			// taken before the insert; they need another
			// pass.
			errs.Insert(DIR_COUNT_AGAIN)
		}
	case 2:
		if chk.opts.Repair {
			chk.repair(ctx, &errs, INODE_REF_MISSING, "delete surviving INODE_REF of broken name", func(txn Transaction) error {
				return txn.DeleteItem(ctx, treeID, btrfsprim.Key{
					ObjectID: state.ID,
					ItemType: btrfsprim.INODE_REF_KEY,
					Offset:   uint64(parent),
				})
			})
			state.RefCount--
		}
	}

	return errs
}

type legState int

const (
	legOK legState = iota
	legMissing
	legMismatch
)

// checkDirLeg looks up one directory-entry leg and classifies it.
func (chk *checker) checkDirLeg(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, wantInode btrfsprim.ObjID, wantType btrfsitem.FileType, wantName []byte) legState {
	item, found, err := chk.lookupItem(ctx, treeID, key)
	if err != nil || !found {
		return legMissing
	}
	entry, ok := item.Body.(btrfsitem.DirEntry)
	if !ok {
		return legMismatch
	}
	if !bytes.Equal(entry.Name, wantName) {
		return legMismatch
	}
	if entry.Location.ObjectID != wantInode || entry.Type != wantType {
		return legMismatch
	}
	return legOK
}

// checkDirEntry verifies a DIR_ITEM or DIR_INDEX from the directory's
// side: hash correctness, target inode existence, and the
// back-pointing INODE_REF.
func (chk *checker) checkDirEntry(ctx context.Context, treeID btrfsprim.ObjID, dirID btrfsprim.ObjID, key btrfsprim.Key, entry btrfsitem.DirEntry) ErrorSet {
	var errs ErrorSet

	if key.ItemType == btrfsprim.DIR_ITEM_KEY {
		if hash := btrfsitem.NameHash(entry.Name); hash != key.Offset {
			dlog.Errorf(ctx, "error: root %v dir %v entry %q: key offset %#x != name hash %#x",
				treeID, dirID, entry.Name, key.Offset, hash)
			errs.Insert(DIR_ITEM_HASH_MISMATCH)
			chk.repair(ctx, &errs, DIR_ITEM_HASH_MISMATCH, "rebuild DIR_ITEM under correct hash", func(txn Transaction) error {
				if err := txn.DeleteItem(ctx, treeID, key); err != nil {
					return err
				}
				fixed := key
				fixed.Offset = hash
				return txn.InsertItem(ctx, treeID, fixed, entry)
			})
			if chk.opts.Repair {
				// The rebuilt entry may land ahead of or
				// behind the walk; the directory's counts
				// need another pass.
				errs.Insert(DIR_COUNT_AGAIN)
			}
			return errs
		}
	}

	// Target inode must exist...
	target, found, err := chk.lookupItem(ctx, treeID, entry.Location)
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	if !found {
		dlog.Errorf(ctx, "error: root %v dir %v entry %q: target inode %v missing",
			treeID, dirID, entry.Name, entry.Location.ObjectID)
		errs.Insert(INODE_ITEM_MISSING)
		return errs
	}
	// ...and agree on file type.
	if inode, ok := target.Body.(btrfsitem.Inode); ok {
		if inode.Mode.IsValid() && modeToFileType(inode.Mode) != entry.Type {
			dlog.Errorf(ctx, "error: root %v dir %v entry %q: entry type %v but inode mode %v",
				treeID, dirID, entry.Name, entry.Type, inode.Mode)
			errs.Insert(INODE_ITEM_MISMATCH)
		}
	}

	// The referencer INODE_REF must exist and contain this name.
	refItem, found, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
		ObjectID: entry.Location.ObjectID,
		ItemType: btrfsprim.INODE_REF_KEY,
		Offset:   uint64(dirID),
	})
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs
	}
	hasName := false
	if found {
		if refs, ok := refItem.Body.(btrfsitem.InodeRefs); ok {
			for _, ref := range refs.Refs {
				if bytes.Equal(ref.Name, entry.Name) {
					hasName = true
				}
			}
		}
	}
	if !hasName {
		hasName = chk.extrefHasName(ctx, treeID, entry.Location.ObjectID, dirID, entry.Name)
	}
	if !hasName {
		dlog.Errorf(ctx, "error: root %v dir %v entry %q: no INODE_REF back-reference",
			treeID, dirID, entry.Name)
		errs.Insert(INODE_REF_MISSING)
	}

	return errs
}

func (chk *checker) extrefHasName(ctx context.Context, treeID btrfsprim.ObjID, inode, parent btrfsprim.ObjID, name []byte) bool {
	item, found, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
		ObjectID: inode,
		ItemType: btrfsprim.INODE_EXTREF_KEY,
		Offset:   btrfsitem.NameHash(name),
	})
	if err != nil || !found {
		return false
	}
	refs, ok := item.Body.(btrfsitem.InodeExtrefs)
	if !ok {
		return false
	}
	for _, ref := range refs.Refs {
		if ref.ParentObjectID == parent && bytes.Equal(ref.Name, name) {
			return true
		}
	}
	return false
}

// finalizeInode checks the aggregate invariants after all of an
// inode's items have been walked.
func (chk *checker) finalizeInode(ctx context.Context, treeID btrfsprim.ObjID, state *inodeState) ErrorSet {
	var errs ErrorSet
	inode := state.Inode
	id := state.ID

	isDir := inode.Mode.IsDir()

	// Trailing hole up to isize (only when no-holes is off).
	if inode.Mode.IsRegular() && !chk.sb.IncompatFlags.Has(btrfstree.FeatureIncompatNoHoles) &&
		state.ExtentEnd < inode.Size {
		dlog.Errorf(ctx, "error: root %v inode %v: file extents end at %v but isize is %v",
			treeID, id, state.ExtentEnd, inode.Size)
		errs.Insert(FILE_EXTENT_ERROR)
		end := inode.Size
		beg := state.ExtentEnd
		chk.repair(ctx, &errs, FILE_EXTENT_ERROR, "punch trailing hole", func(txn Transaction) error {
			return txn.PunchHole(ctx, treeID, id, beg, end)
		})
	}

	if !isDir && int64(inode.NLink) != state.RefCount {
		dlog.Errorf(ctx, "error: root %v inode %v: nlink=%v but %v references",
			treeID, id, inode.NLink, state.RefCount)
		errs.Insert(LINK_COUNT_ERROR)
		chk.repairInodeNlinks(ctx, treeID, state, &errs)
	}

	if isDir && inode.Size != state.NameBytes {
		dlog.Errorf(ctx, "error: root %v dir %v: isize=%v but name bytes total %v",
			treeID, id, inode.Size, state.NameBytes)
		errs.Insert(ISIZE_ERROR)
		chk.repair(ctx, &errs, ISIZE_ERROR, "rewrite directory isize", func(txn Transaction) error {
			fixed := inode
			fixed.Size = state.NameBytes
			return txn.UpdateItem(ctx, treeID, btrfsprim.Key{
				ObjectID: id, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0,
			}, fixed)
		})
	}

	if inode.Mode.IsRegular() && inode.NumBytes != state.NBytes {
		dlog.Errorf(ctx, "error: root %v inode %v: nbytes=%v but extents total %v",
			treeID, id, inode.NumBytes, state.NBytes)
		errs.Insert(NBYTES_ERROR)
		chk.repair(ctx, &errs, NBYTES_ERROR, "rewrite inode nbytes", func(txn Transaction) error {
			fixed := inode
			fixed.NumBytes = state.NBytes
			return txn.UpdateItem(ctx, treeID, btrfsprim.Key{
				ObjectID: id, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0,
			}, fixed)
		})
	}

	// Orphan detection: unlinked but not marked for cleanup.
	if inode.NLink == 0 && state.RefCount == 0 {
		_, hasOrphan, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
			ObjectID: btrfsprim.ORPHAN_OBJECTID,
			ItemType: btrfsprim.ORPHAN_ITEM_KEY,
			Offset:   uint64(id),
		})
		if err != nil {
			errs.Insert(FATAL_ERROR)
			return errs
		}
		if !hasOrphan {
			dlog.Errorf(ctx, "error: root %v inode %v: nlink=0 without orphan item", treeID, id)
			errs.Insert(ORPHAN_ITEM)
			chk.repair(ctx, &errs, ORPHAN_ITEM, "insert orphan item", func(txn Transaction) error {
				return txn.InsertItem(ctx, treeID, btrfsprim.Key{
					ObjectID: btrfsprim.ORPHAN_OBJECTID,
					ItemType: btrfsprim.ORPHAN_ITEM_KEY,
					Offset:   uint64(id),
				}, btrfsitem.Empty{})
			})
		}
	}

	return errs
}

const lostFoundDir = "lost+found"

// repairInodeNlinks makes nlink match reality: an inode with no
// references at all is first linked into lost+found, then nlink is
// set to the reference count.
func (chk *checker) repairInodeNlinks(ctx context.Context, treeID btrfsprim.ObjID, state *inodeState, errs *ErrorSet) {
	if !chk.opts.Repair {
		return
	}
	id := state.ID
	inode := state.Inode

	if state.RefCount == 0 {
		name := []byte(textName(id))
		chk.repair(ctx, errs, LINK_COUNT_ERROR, "link inode into lost+found", func(txn Transaction) error {
			lfID, err := chk.ensureLostFound(ctx, txn, treeID)
			if err != nil {
				return err
			}
			idx := chk.nextDirIndex(ctx, treeID, lfID)
			entry := btrfsitem.DirEntry{
				Location: btrfsprim.Key{ObjectID: id, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
				Type:     modeToFileType(inode.Mode),
				Name:     name,
			}
			if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
				ObjectID: lfID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash(name),
			}, entry); err != nil {
				return err
			}
			if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
				ObjectID: lfID, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: idx,
			}, entry); err != nil {
				return err
			}
			if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
				ObjectID: id, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(lfID),
			}, btrfsitem.InodeRefs{Refs: []btrfsitem.InodeRef{{Index: int64(idx), Name: name}}}); err != nil {
				return err
			}
			state.RefCount = 1
			fixed := inode
			fixed.NLink = 1
			return txn.UpdateItem(ctx, treeID, btrfsprim.Key{
				ObjectID: id, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0,
			}, fixed)
		})
		return
	}

	refCount := state.RefCount
	chk.repair(ctx, errs, LINK_COUNT_ERROR, "rewrite inode nlink", func(txn Transaction) error {
		fixed := inode
		fixed.NLink = int32(refCount)
		return txn.UpdateItem(ctx, treeID, btrfsprim.Key{
			ObjectID: id, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0,
		}, fixed)
	})
}

// ensureLostFound finds or creates the lost+found directory in the
// subvolume's root directory.
func (chk *checker) ensureLostFound(ctx context.Context, txn Transaction, treeID btrfsprim.ObjID) (btrfsprim.ObjID, error) {
	name := []byte(lostFoundDir)
	item, found, err := chk.lookupItem(ctx, treeID, btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_FREE_OBJECTID,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash(name),
	})
	if err != nil {
		return 0, err
	}
	if found {
		if entry, ok := item.Body.(btrfsitem.DirEntry); ok {
			return entry.Location.ObjectID, nil
		}
	}

	// Create it with the next free objectid.  The directory gets
	// the complete triple (DIR_ITEM, DIR_INDEX, INODE_REF), so the
	// next pass does not flag the freshly-made directory itself.
	newID := chk.nextFreeObjectID(ctx, treeID)
	idx := chk.nextDirIndex(ctx, treeID, btrfsprim.FIRST_FREE_OBJECTID)
	newInode := btrfsitem.Inode{
		Generation: chk.sb.Generation,
		TransID:    chk.sb.Generation,
		NLink:      1,
		Mode:       linux.ModeFmtDir | 0o700,
	}
	if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
		ObjectID: newID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0,
	}, newInode); err != nil {
		return 0, err
	}
	entry := btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: newID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
		Type:     btrfsitem.FT_DIR,
		Name:     name,
	}
	if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash(name),
	}, entry); err != nil {
		return 0, err
	}
	if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: idx,
	}, entry); err != nil {
		return 0, err
	}
	if err := txn.InsertItem(ctx, treeID, btrfsprim.Key{
		ObjectID: newID, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(btrfsprim.FIRST_FREE_OBJECTID),
	}, btrfsitem.InodeRefs{
		Refs: []btrfsitem.InodeRef{{Index: int64(idx), Name: name}},
	}); err != nil {
		return 0, err
	}
	return newID, nil
}

// nextDirIndex is the first unused DIR_INDEX slot in a directory
// (starting at 2, because "." and "..").
func (chk *checker) nextDirIndex(ctx context.Context, treeID btrfsprim.ObjID, dirID btrfsprim.ObjID) uint64 {
	tree, err := chk.fs.TreeRoot(ctx, treeID)
	if err != nil {
		return 2
	}
	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	if _, err := cur.SearchSlot(ctx, btrfsprim.Key{
		ObjectID: dirID,
		ItemType: btrfsprim.DIR_INDEX_KEY,
		Offset:   btrfsprim.MaxOffset,
	}); err != nil {
		return 2
	}
	if _, slot := cur.Leaf(); slot < 0 {
		return 2
	}
	if key := cur.Key(); key.ObjectID == dirID && key.ItemType == btrfsprim.DIR_INDEX_KEY {
		return key.Offset + 1
	}
	return 2
}

func (chk *checker) nextFreeObjectID(ctx context.Context, treeID btrfsprim.ObjID) btrfsprim.ObjID {
	item, found, err := chk.prevItemForObjectID(ctx, treeID, btrfsprim.LAST_FREE_OBJECTID)
	if err != nil || !found {
		return btrfsprim.FIRST_FREE_OBJECTID + 1
	}
	return item.Key.ObjectID + 1
}

func textName(id btrfsprim.ObjID) string {
	const digits = "0123456789"
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = digits[id%10]
		id /= 10
	}
	return string(buf[i:])
}

// modeToFileType maps an inode mode to the dir-entry file type byte.
func modeToFileType(mode linux.StatMode) btrfsitem.FileType {
	switch mode & linux.ModeFmt {
	case linux.ModeFmtRegular:
		return btrfsitem.FT_REG_FILE
	case linux.ModeFmtDir:
		return btrfsitem.FT_DIR
	case linux.ModeFmtCharDevice:
		return btrfsitem.FT_CHRDEV
	case linux.ModeFmtBlockDevice:
		return btrfsitem.FT_BLKDEV
	case linux.ModeFmtNamedPipe:
		return btrfsitem.FT_FIFO
	case linux.ModeFmtSocket:
		return btrfsitem.FT_SOCK
	case linux.ModeFmtSymlink:
		return btrfsitem.FT_SYMLINK
	default:
		return btrfsitem.FT_UNKNOWN
	}
}
