// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/containers"
	"github.com/kdave/btrfs-progs-sub004/lib/slices"
)

// A Cursor is a position within a tree: for each level from the root
// down, an acquired node plus the slot taken within it.
//
// A Cursor is scoped to a single logical operation; Release it when
// done.  After any mutation of the tree the Cursor is stale, and the
// key must be re-searched; mutating entry points take the Cursor by
// consuming it.
type Cursor struct {
	fs   NodeSource
	tree TreeRoot

	// Indexed by level: nodes[0] is the leaf,
	// nodes[tree.Level] is the root.
	nodes []*Node
	slots []int
}

// NewCursor returns an unpositioned cursor into the given tree; call
// SearchSlot to position it.
func NewCursor(fs NodeSource, tree TreeRoot) *Cursor {
	return &Cursor{
		fs:    fs,
		tree:  tree,
		nodes: make([]*Node, int(tree.Level)+1),
		slots: make([]int, int(tree.Level)+1),
	}
}

// Release drops all of the cursor's node references.
func (cur *Cursor) Release() {
	for i, node := range cur.nodes {
		cur.fs.ReleaseNode(node)
		cur.nodes[i] = nil
	}
}

// Leaf returns the cursor's current leaf and slot.  The slot is -1 if
// the cursor is positioned before the first item of the leaf.
func (cur *Cursor) Leaf() (*Node, int) {
	return cur.nodes[0], cur.slots[0]
}

// Key returns the key at the cursor.
func (cur *Cursor) Key() btrfsprim.Key {
	return cur.nodes[0].BodyLeaf[cur.slots[0]].Key
}

// Item returns the item at the cursor.
func (cur *Cursor) Item() Item {
	return cur.nodes[0].BodyLeaf[cur.slots[0]]
}

func (cur *Cursor) expectations(level uint8, addr btrfsvol.LogicalAddr, gen btrfsprim.Generation, minKey, maxKey btrfsprim.Key) NodeExpectations {
	// Snapshots and relocation legitimately share nodes between
	// trees (the header's owner is the tree that CoW'd the node
	// last), so owner enforcement is left to the checker, which
	// has the cross-tree context.
	return NodeExpectations{
		LAddr:      containers.OptionalValue(addr),
		Level:      containers.OptionalValue(level),
		Generation: containers.OptionalValue(gen),
		MinItem:    containers.OptionalValue(minKey),
		MaxItem:    containers.OptionalValue(maxKey),
	}
}

// SearchSlot positions the cursor at the greatest key ≤ the target
// key, and reports whether that is an exact match.
//
// If every key in the tree is greater than the target, the cursor is
// positioned at the leftmost leaf with the slot before its first item
// (slot -1), and (false, nil) is returned.
func (cur *Cursor) SearchSlot(ctx context.Context, key btrfsprim.Key) (found bool, err error) {
	cur.Release()
	addr := cur.tree.RootNode
	gen := cur.tree.Generation
	minKey := btrfsprim.Key{}
	maxKey := btrfsprim.MaxKey
	for level := int(cur.tree.Level); level >= 0; level-- {
		node, err := cur.fs.AcquireNode(ctx, addr, cur.expectations(uint8(level), addr, gen, minKey, maxKey))
		if err != nil {
			cur.fs.ReleaseNode(node)
			return false, err
		}
		cur.nodes[level] = node

		if node.Head.Level > 0 {
			// interior node: descend to the rightmost
			// child whose key is ≤ the target; if even the
			// first child is > the target, descend
			// leftmost.
			slot, ok := slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
				return slices.Min(key.Compare(kp.Key), 0)
			})
			if !ok {
				slot = 0
			}
			cur.slots[level] = slot
			kp := node.BodyInterior[slot]
			addr = kp.BlockPtr
			gen = kp.Generation
			minKey = kp.Key
			if slot+1 < len(node.BodyInterior) {
				maxKey = node.BodyInterior[slot+1].Key.Mm()
			}
		} else {
			slot, ok := slices.SearchHighest(node.BodyLeaf, func(item Item) int {
				return slices.Min(key.Compare(item.Key), 0)
			})
			if !ok {
				cur.slots[0] = -1
				return false, nil
			}
			cur.slots[0] = slot
			return node.BodyLeaf[slot].Key == key, nil
		}
	}
	panic(fmt.Errorf("should not happen: descended past level 0"))
}

// NextSlot advances the cursor to the next item, transparently
// hopping to the next leaf when the current one is exhausted; it
// returns false when the cursor falls off the end of the tree.
func (cur *Cursor) NextSlot(ctx context.Context) (ok bool, err error) {
	if cur.slots[0]+1 < len(cur.nodes[0].BodyLeaf) {
		cur.slots[0]++
		return true, nil
	}
	return cur.NextLeaf(ctx)
}

// NextLeaf advances the cursor to the first item of the next leaf.
func (cur *Cursor) NextLeaf(ctx context.Context) (ok bool, err error) {
	// Rewind to the deepest ancestor whose slot can still be
	// incremented.
	level := 1
	for ; level < len(cur.nodes); level++ {
		if cur.slots[level]+1 < len(cur.nodes[level].BodyInterior) {
			break
		}
	}
	if level >= len(cur.nodes) {
		return false, nil
	}
	cur.slots[level]++
	return true, cur.descendFirst(ctx, level)
}

// PrevSlot steps the cursor to the previous item, transparently
// hopping to the previous leaf; it returns false when the cursor
// falls off the front of the tree.
func (cur *Cursor) PrevSlot(ctx context.Context) (ok bool, err error) {
	if cur.slots[0] > 0 {
		cur.slots[0]--
		return true, nil
	}
	return cur.PrevLeaf(ctx)
}

// PrevLeaf steps the cursor to the last item of the previous leaf.
func (cur *Cursor) PrevLeaf(ctx context.Context) (ok bool, err error) {
	level := 1
	for ; level < len(cur.nodes); level++ {
		if cur.slots[level] > 0 {
			break
		}
	}
	if level >= len(cur.nodes) {
		// No previous leaf; the cursor is left where it was.
		return false, nil
	}
	cur.slots[level]--
	return true, cur.descendLast(ctx, level)
}

// descendFirst re-descends from the given level to the leftmost leaf
// below the level's current slot.
func (cur *Cursor) descendFirst(ctx context.Context, level int) error {
	for level > 0 {
		parent := cur.nodes[level]
		kp := parent.BodyInterior[cur.slots[level]]
		maxKey := cur.maxKeyAt(level)
		node, err := cur.fs.AcquireNode(ctx, kp.BlockPtr,
			cur.expectations(uint8(level-1), kp.BlockPtr, kp.Generation, kp.Key, maxKey))
		if err != nil {
			cur.fs.ReleaseNode(node)
			return err
		}
		level--
		cur.fs.ReleaseNode(cur.nodes[level])
		cur.nodes[level] = node
		cur.slots[level] = 0
	}
	return nil
}

// descendLast re-descends from the given level to the rightmost leaf
// below the level's current slot.
func (cur *Cursor) descendLast(ctx context.Context, level int) error {
	for level > 0 {
		parent := cur.nodes[level]
		kp := parent.BodyInterior[cur.slots[level]]
		maxKey := cur.maxKeyAt(level)
		node, err := cur.fs.AcquireNode(ctx, kp.BlockPtr,
			cur.expectations(uint8(level-1), kp.BlockPtr, kp.Generation, kp.Key, maxKey))
		if err != nil {
			cur.fs.ReleaseNode(node)
			return err
		}
		level--
		cur.fs.ReleaseNode(cur.nodes[level])
		cur.nodes[level] = node
		if node.Head.Level > 0 {
			cur.slots[level] = len(node.BodyInterior) - 1
		} else {
			cur.slots[level] = len(node.BodyLeaf) - 1
		}
	}
	return nil
}

// maxKeyAt is the exclusive upper bound on keys below the current
// slot of the given level, derived from the structure of the tree.
func (cur *Cursor) maxKeyAt(level int) btrfsprim.Key {
	for lvl := level; lvl < len(cur.nodes); lvl++ {
		node := cur.nodes[lvl]
		if node == nil || node.Head.Level == 0 {
			continue
		}
		if cur.slots[lvl]+1 < len(node.BodyInterior) {
			return node.BodyInterior[cur.slots[lvl]+1].Key.Mm()
		}
	}
	return btrfsprim.MaxKey
}

// PrevItemForObjectID positions the cursor at the greatest item whose
// key is ≤ (objid, MAX_KEY, MaxOffset), without needing to know the
// exact item type.  That is the last item for the object ID when it
// has any; otherwise it is an item of a smaller object ID, and ok is
// still true.  ok is false only when no item at all is ≤ that key.
func (cur *Cursor) PrevItemForObjectID(ctx context.Context, objid btrfsprim.ObjID) (ok bool, err error) {
	_, err = cur.SearchSlot(ctx, btrfsprim.Key{
		ObjectID: objid,
		ItemType: btrfsprim.MAX_KEY,
		Offset:   btrfsprim.MaxOffset,
	})
	if err != nil {
		return false, err
	}
	if cur.slots[0] < 0 {
		return false, nil
	}
	return true, nil
}

// Path renders the cursor's current position for error messages.
func (cur *Cursor) Path() Path {
	ret := Path{{
		FromTree: cur.tree.TreeID,
		FromSlot: -1,
		ToAddr:   cur.tree.RootNode,
		ToLevel:  cur.tree.Level,
		ToMaxKey: btrfsprim.MaxKey,
	}}
	for level := len(cur.nodes) - 1; level >= 0; level-- {
		node := cur.nodes[level]
		if node == nil {
			break
		}
		ret = append(ret, PathElem{
			FromTree: node.Head.Owner,
			FromSlot: cur.slots[level],
		})
	}
	return ret
}
