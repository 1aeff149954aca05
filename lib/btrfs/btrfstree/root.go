// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// A TreeRoot is more-or-less a btrfsitem.Root, but simpler; returned
// by LookupTreeRoot.
type TreeRoot struct {
	TreeID     btrfsprim.ObjID
	RootNode   btrfsvol.LogicalAddr
	Level      uint8
	Generation btrfsprim.Generation
}

// LookupTreeRoot resolves a tree ID to the tree's root pointer; the
// well-known trees come straight from the superblock, everything else
// from the tree of tree roots.
func LookupTreeRoot(ctx context.Context, fs NodeSource, sb Superblock, treeID btrfsprim.ObjID) (*TreeRoot, error) {
	switch treeID {
	case btrfsprim.ROOT_TREE_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.RootTree,
			Level:      sb.RootLevel,
			Generation: sb.Generation,
		}, nil
	case btrfsprim.CHUNK_TREE_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.ChunkTree,
			Level:      sb.ChunkLevel,
			Generation: sb.ChunkRootGeneration,
		}, nil
	case btrfsprim.TREE_LOG_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.LogTree,
			Level:      sb.LogLevel,
			Generation: sb.Generation,
		}, nil
	case btrfsprim.BLOCK_GROUP_TREE_OBJECTID:
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   sb.BlockGroupRoot,
			Level:      sb.BlockGroupRootLevel,
			Generation: sb.BlockGroupRootGeneration,
		}, nil
	default:
		rootTree, err := LookupTreeRoot(ctx, fs, sb, btrfsprim.ROOT_TREE_OBJECTID)
		if err != nil {
			return nil, err
		}
		cur := NewCursor(fs, *rootTree)
		defer cur.Release()
		_, err = cur.SearchSlot(ctx, btrfsprim.Key{
			ObjectID: treeID,
			ItemType: btrfsprim.ROOT_ITEM_KEY,
			Offset:   btrfsprim.MaxOffset,
		})
		if err != nil {
			return nil, fmt.Errorf("tree %v: %w", treeID, err)
		}
		if _, slot := cur.Leaf(); slot < 0 {
			return nil, fmt.Errorf("tree %v: %w", treeID, ErrNoTree)
		}
		item := cur.Item()
		if item.Key.ObjectID != treeID || item.Key.ItemType != btrfsprim.ROOT_ITEM_KEY {
			return nil, fmt.Errorf("tree %v: %w", treeID, ErrNoTree)
		}
		rootItemBody, ok := item.Body.(btrfsitem.Root)
		if !ok {
			return nil, fmt.Errorf("tree %v: malformed ROOT_ITEM", treeID)
		}
		return &TreeRoot{
			TreeID:     treeID,
			RootNode:   rootItemBody.ByteNr,
			Level:      rootItemBody.Level,
			Generation: rootItemBody.Generation,
		}, nil
	}
}
