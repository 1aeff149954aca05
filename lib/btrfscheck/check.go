// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"errors"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
)

// FS is what the checker needs from an opened filesystem: navigable
// trees.  It is satisfied by *btrfs.FS and by test fixtures.
type FS interface {
	btrfstree.NodeSource
	TreeRoot(ctx context.Context, treeID btrfsprim.ObjID) (*btrfstree.TreeRoot, error)
}

// Options configures a check run.
type Options struct {
	// Repair enables targeted writes for defects that have a
	// repair path; without it the check is strictly read-only.
	Repair bool

	// Txn is the transaction engine used for repair writes.
	// Required iff Repair is set.
	Txn TransactionEngine
}

type checker struct {
	fs   FS
	sb   btrfstree.Superblock
	opts Options

	// mutations counts committed repair transactions.  Repairs
	// rewrite the shared cached nodes in place, so any cursor that
	// was positioned before the commit is stale; walkers compare
	// this counter around each step and re-search their key when
	// it moved.
	mutations int
}

// Check validates every tree invariant, accumulating defects into an
// ErrorSet; in repair mode it additionally attempts targeted repair
// and clears the bits it fixed.
//
// Pass A validates chunks, dev-extents, block groups, and the extent
// tree's backrefs; Pass B validates the per-subvolume filesystem
// trees.  The returned error is non-nil only for the conditions the
// checker cannot survive: repair mode without a transaction engine,
// an unreadable superblock, and lookup failures that abort a pass
// (such as a tree root that cannot be read).
func Check(ctx context.Context, fs FS, opts Options) (ErrorSet, error) {
	if opts.Repair && opts.Txn == nil {
		return 0, errors.New("btrfscheck.Check: repair mode requires a transaction engine")
	}
	sb, err := fs.Superblock()
	if err != nil {
		return NewErrorSet(FATAL_ERROR), err
	}
	chk := &checker{
		fs:   fs,
		sb:   *sb,
		opts: opts,
	}

	var errs ErrorSet

	passA, err := chk.checkChunksAndExtents(dlog.WithField(ctx, "btrfs.check.pass", "chunks-and-extents"))
	errs.InsertFrom(passA)
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs, err
	}

	passB, err := chk.checkFSRoots(dlog.WithField(ctx, "btrfs.check.pass", "fs-roots"))
	errs.InsertFrom(passB)
	if err != nil {
		errs.Insert(FATAL_ERROR)
		return errs, err
	}

	if errs.Empty() {
		dlog.Info(ctx, "check: no defects found")
	} else {
		dlog.Infof(ctx, "check: defects remain: %v", errs)
	}
	return errs, nil
}

// lookupItem searches the tree for an exact key; (Item, false, nil)
// means clean miss.
func (chk *checker) lookupItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key) (btrfstree.Item, bool, error) {
	tree, err := chk.fs.TreeRoot(ctx, treeID)
	if err != nil {
		return btrfstree.Item{}, false, err
	}
	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	found, err := cur.SearchSlot(ctx, key)
	if err != nil || !found {
		return btrfstree.Item{}, false, err
	}
	return cur.Item(), true, nil
}

// prevItemForObjectID finds the greatest item whose key is ≤
// (objid, MAX_KEY, -1); used to find "the extent item for this
// bytenr" without knowing the exact item type.
func (chk *checker) prevItemForObjectID(ctx context.Context, treeID btrfsprim.ObjID, objid btrfsprim.ObjID) (btrfstree.Item, bool, error) {
	tree, err := chk.fs.TreeRoot(ctx, treeID)
	if err != nil {
		return btrfstree.Item{}, false, err
	}
	cur := btrfstree.NewCursor(chk.fs, *tree)
	defer cur.Release()
	ok, err := cur.PrevItemForObjectID(ctx, objid)
	if err != nil || !ok {
		return btrfstree.Item{}, false, err
	}
	return cur.Item(), true, nil
}

// walkTree runs a full structural walk of one tree, converting broken
// blocks into error-set bits.
func (chk *checker) walkTree(ctx context.Context, tree btrfstree.TreeRoot, cbs btrfstree.TreeWalkHandler) ErrorSet {
	var errs ErrorSet
	btrfstree.TreeWalk(ctx, chk.fs, tree,
		func(err *btrfstree.TreeError) {
			dlog.Errorf(ctx, "error: %v", err)
			var ioErr *btrfstree.IOError
			if errors.As(err, &ioErr) {
				errs.Insert(FATAL_ERROR)
			} else {
				errs.Insert(REFERENCER_MISSING)
			}
		},
		cbs,
	)
	return errs
}

func (chk *checker) generationBound(treeID btrfsprim.ObjID) btrfsprim.Generation {
	// The log tree may legitimately run one transaction ahead.
	if treeID == btrfsprim.TREE_LOG_OBJECTID {
		return chk.sb.Generation + 1
	}
	return chk.sb.Generation
}

func (chk *checker) sectorAligned(vals ...int64) bool {
	for _, val := range vals {
		if val%int64(chk.sb.SectorSize) != 0 {
			return false
		}
	}
	return true
}
