// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"errors"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
)

// TransactionEngine is the write-side collaborator the checker drives
// for repairs.  The engine owns CoW, allocation, and commit ordering;
// the checker only ever asks for minimal in-tree mutations.
type TransactionEngine interface {
	// AvoidExtentsOverwrite ensures a dedicated metadata chunk
	// exists (allocating one if necessary) so that CoW during
	// repair does not overwrite the yet-to-be-inspected extent
	// tree.
	AvoidExtentsOverwrite(ctx context.Context) error

	// Begin opens a transaction.  The checker never holds more
	// than one open transaction at a time.
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is a single open repair transaction.
type Transaction interface {
	InsertItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error
	DeleteItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key) error
	// UpdateItem overwrites the body of an existing item in
	// place.
	UpdateItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error
	// PunchHole inserts an explicit hole file extent covering
	// [beg, end) of the given inode.
	PunchHole(ctx context.Context, treeID btrfsprim.ObjID, inode btrfsprim.ObjID, beg, end int64) error
	Commit(ctx context.Context) error
}

// ErrAllocatorExhausted is returned by engines when a repair write
// cannot reserve space; it is one of the two conditions that set
// FATAL_ERROR.
var ErrAllocatorExhausted = errors.New("space allocator exhausted")

// repair runs one repair mutation under the standard discipline:
// reserve safe space, open a transaction, apply the minimal
// mutation, commit.  Cached paths into the tree are stale afterwards;
// callers re-search for their key.
//
// On success the given bit is cleared from errs; on failure the bit
// stays, and FATAL_ERROR is added only for allocator exhaustion or
// I/O errors.
func (chk *checker) repair(ctx context.Context, errs *ErrorSet, bit ErrorKind, desc string, mutate func(Transaction) error) {
	if !chk.opts.Repair {
		return
	}
	err := func() error {
		if err := chk.opts.Txn.AvoidExtentsOverwrite(ctx); err != nil {
			return err
		}
		txn, err := chk.opts.Txn.Begin(ctx)
		if err != nil {
			return err
		}
		if err := mutate(txn); err != nil {
			return err
		}
		return txn.Commit(ctx)
	}()
	if err != nil {
		dlog.Errorf(ctx, "error: repair (%s): %v", desc, err)
		if errors.Is(err, ErrAllocatorExhausted) || isIOError(err) {
			errs.Insert(FATAL_ERROR)
		}
		return
	}
	dlog.Infof(ctx, "repaired: %s", desc)
	// The commit invalidated every cached path into the tree.
	chk.mutations++
	errs.Delete(bit)
}

func isIOError(err error) bool {
	var ioErr *btrfstree.IOError
	return errors.As(err, &ioErr)
}
