// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"fmt"

	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
)

// WritableFS is an FS whose nodes can be written back.
type WritableFS interface {
	FS
	btrfstree.NodeWriter
}

// localTxnEngine is the offline writer: it relies on the filesystem
// being unmounted and this process being the only writer (neither is
// verified by this engine or by the checker), so repairs modify leaves
// in place rather than CoWing new blocks.  Mutations that would need a leaf split are
// refused with ErrAllocatorExhausted rather than guessed at.
type localTxnEngine struct {
	fs WritableFS
}

func NewLocalTransactionEngine(fs WritableFS) TransactionEngine {
	return &localTxnEngine{fs: fs}
}

// AvoidExtentsOverwrite implements TransactionEngine.  The in-place
// writer never allocates, so there is no CoW that could land on top
// of the yet-to-be-inspected extent tree; there is nothing to
// reserve.
func (eng *localTxnEngine) AvoidExtentsOverwrite(ctx context.Context) error {
	return nil
}

func (eng *localTxnEngine) Begin(ctx context.Context) (Transaction, error) {
	return &localTxn{eng: eng}, nil
}

type localTxn struct {
	eng   *localTxnEngine
	dirty []*btrfstree.Node
}

func (txn *localTxn) leafFor(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key) (*btrfstree.Node, int, bool, error) {
	tree, err := txn.eng.fs.TreeRoot(ctx, treeID)
	if err != nil {
		return nil, 0, false, err
	}
	cur := btrfstree.NewCursor(txn.eng.fs, *tree)
	defer cur.Release()
	found, err := cur.SearchSlot(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}
	leaf, slot := cur.Leaf()
	return leaf, slot, found, nil
}

func (txn *localTxn) markDirty(node *btrfstree.Node) {
	for _, have := range txn.dirty {
		if have == node {
			return
		}
	}
	txn.dirty = append(txn.dirty, node)
}

func (txn *localTxn) InsertItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	leaf, slot, found, err := txn.leafFor(ctx, treeID, key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("insert %v: item already exists", key)
	}
	bs, err := binstruct.Marshal(body)
	if err != nil {
		return err
	}
	if leaf.LeafFreeSpace() < uint32(len(bs))+0x19 {
		return fmt.Errorf("insert %v: leaf is full: %w", key, ErrAllocatorExhausted)
	}
	item := btrfstree.Item{
		Key:      key,
		BodySize: uint32(len(bs)),
		Body:     body,
	}
	at := slot + 1 // slot is the greatest key ≤ the new key
	leaf.BodyLeaf = append(leaf.BodyLeaf, btrfstree.Item{})
	copy(leaf.BodyLeaf[at+1:], leaf.BodyLeaf[at:])
	leaf.BodyLeaf[at] = item
	leaf.Head.NumItems++
	txn.markDirty(leaf)
	return nil
}

func (txn *localTxn) DeleteItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key) error {
	leaf, slot, found, err := txn.leafFor(ctx, treeID, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("delete %v: no such item", key)
	}
	leaf.BodyLeaf = append(leaf.BodyLeaf[:slot], leaf.BodyLeaf[slot+1:]...)
	leaf.Head.NumItems--
	txn.markDirty(leaf)
	return nil
}

func (txn *localTxn) UpdateItem(ctx context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	leaf, slot, found, err := txn.leafFor(ctx, treeID, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("update %v: no such item", key)
	}
	bs, err := binstruct.Marshal(body)
	if err != nil {
		return err
	}
	leaf.BodyLeaf[slot].Body = body
	leaf.BodyLeaf[slot].BodySize = uint32(len(bs))
	txn.markDirty(leaf)
	return nil
}

func (txn *localTxn) PunchHole(ctx context.Context, treeID btrfsprim.ObjID, inode btrfsprim.ObjID, beg, end int64) error {
	return txn.InsertItem(ctx, treeID, btrfsprim.Key{
		ObjectID: inode,
		ItemType: btrfsprim.EXTENT_DATA_KEY,
		Offset:   uint64(beg),
	}, btrfsitem.FileExtent{
		RAMBytes: end - beg,
		Type:     btrfsitem.FILE_EXTENT_REG,
		BodyExtent: btrfsitem.FileExtentExtent{
			DiskByteNr: 0, // explicit hole
			NumBytes:   end - beg,
		},
	})
}

func (txn *localTxn) Commit(ctx context.Context) error {
	for _, node := range txn.dirty {
		if err := txn.eng.fs.WriteNode(ctx, node); err != nil {
			return err
		}
	}
	txn.dirty = nil
	return nil
}
