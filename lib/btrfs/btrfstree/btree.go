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
	"github.com/kdave/btrfs-progs-sub004/lib/containers"
)

// NodeSource is how the navigator gets at tree blocks; it is
// implemented by the filesystem handle (with caching and
// mirror-retry) and by test fixtures.
type NodeSource interface {
	Superblock() (*Superblock, error)

	// AcquireNode reads the node at the given address, validating
	// it against the expectations.  Every mirror is tried before
	// giving up; a node that fails on all mirrors surfaces as an
	// *IOError inside of a *NodeError.
	AcquireNode(ctx context.Context, addr btrfsvol.LogicalAddr, exp NodeExpectations) (*Node, error)

	// ReleaseNode drops the caller's reference to a node acquired
	// via AcquireNode.
	ReleaseNode(*Node)
}

// NodeWriter is a NodeSource that can also write a (modified) node
// back to where it was read from.
type NodeWriter interface {
	NodeSource
	WriteNode(ctx context.Context, node *Node) error
}

// A TreeError is an error that happened at a specific place in a
// specific tree.
type TreeError struct {
	Path Path
	Err  error
}

func (e *TreeError) Unwrap() error { return e.Err }

func (e *TreeError) Error() string {
	return fmt.Sprintf("%v: %v", e.Path, e.Err)
}

// TreeWalkHandler are the callbacks for a TreeWalk.
//
// The lifecycle of callbacks is:
//
//	001  (read node)
//	002  cbs.Node() or cbs.BadNode()
//	     if interior:
//	       for kp in node.items:
//	003a     if cbs.KeyPointer == nil || cbs.KeyPointer() {
//	004a       (recurse)
//	     else:
//	       for item in node.items:
//	003b     cbs.Item() or cbs.BadItem()
type TreeWalkHandler struct {
	// Callbacks for entire nodes.
	//
	// The return value from BadNode is whether to process the
	// slots in this node or not; if no BadNode function is given,
	// then it is not processed.
	Node    func(Path, *Node)
	BadNode func(Path, *Node, error) bool

	// Callbacks for slots in nodes.
	//
	// The return value from KeyPointer is whether to recurse or
	// not; if no KeyPointer function is given, then it is
	// recursed.
	KeyPointer func(Path, KeyPointer) bool
	Item       func(Path, Item)
	BadItem    func(Path, Item)
}

// Path is the trail of (node address, slot) pairs that a walk took to
// get somewhere, root first.  It is informational (error messages,
// shared-leaf decisions); the cursor type for iteration is Cursor.
type Path []PathElem

type PathElem struct {
	// From the containing node.
	FromTree btrfsprim.ObjID
	FromSlot int
	// The pointed-to node (zero for items).
	ToAddr       btrfsvol.LogicalAddr
	ToGeneration btrfsprim.Generation
	ToLevel      uint8
	ToKey        btrfsprim.Key
	ToMaxKey     btrfsprim.Key
}

func (path Path) String() string {
	if len(path) == 0 {
		return "(empty-path)"
	}
	ret := path[0].FromTree.Format(btrfsprim.ROOT_TREE_OBJECTID)
	for _, elem := range path {
		if elem.ToAddr != 0 {
			ret += fmt.Sprintf("->node:%d@%v", elem.ToLevel, elem.ToAddr)
		} else {
			ret += fmt.Sprintf("[%d]", elem.FromSlot)
		}
	}
	return ret
}

func (path Path) Parent() Path {
	return path[:len(path)-1]
}

func (path Path) DeepCopy() Path {
	return append(Path(nil), path...)
}

// TreeWalk walks the tree rooted at rootInfo, triggering callbacks
// for every node, key-pointer, and item; as well as for any errors
// encountered.
//
// If the tree is valid, then everything is walked in key-order; but
// if the tree is broken, then ordering is not guaranteed.
//
// Canceling the Context causes TreeWalk to return early; no values
// from the Context are used.
func TreeWalk(ctx context.Context, fs NodeSource, rootInfo TreeRoot, errHandle func(*TreeError), cbs TreeWalkHandler) {
	path := Path{{
		FromTree:     rootInfo.TreeID,
		FromSlot:     -1,
		ToAddr:       rootInfo.RootNode,
		ToGeneration: rootInfo.Generation,
		ToLevel:      rootInfo.Level,
		ToKey:        btrfsprim.Key{},
		ToMaxKey:     btrfsprim.MaxKey,
	}}
	treeWalk(ctx, fs, path, errHandle, cbs)
}

func treeWalk(ctx context.Context, fs NodeSource, path Path, errHandle func(*TreeError), cbs TreeWalkHandler) {
	if ctx.Err() != nil {
		return
	}
	last := path[len(path)-1]
	if last.ToAddr == 0 {
		return
	}

	node, err := fs.AcquireNode(ctx, last.ToAddr, NodeExpectations{
		LAddr:      containers.OptionalValue(last.ToAddr),
		Level:      containers.OptionalValue(last.ToLevel),
		Generation: containers.OptionalValue(last.ToGeneration),
		MinItem:    containers.OptionalValue(last.ToKey),
		MaxItem:    containers.OptionalValue(last.ToMaxKey),
	})
	defer fs.ReleaseNode(node)
	if ctx.Err() != nil {
		return
	}
	if err != nil && node != nil && cbs.BadNode != nil {
		// opportunity to fix the node
		if !cbs.BadNode(path, node, err) {
			errHandle(&TreeError{Path: path, Err: err})
			return
		}
		err = nil
	}
	if err != nil {
		errHandle(&TreeError{Path: path, Err: err})
		return
	}
	if cbs.Node != nil {
		cbs.Node(path, node)
	}
	if ctx.Err() != nil {
		return
	}

	for i, kp := range node.BodyInterior {
		toMaxKey := last.ToMaxKey
		if i+1 < len(node.BodyInterior) {
			toMaxKey = node.BodyInterior[i+1].Key.Mm()
		}
		kpPath := append(path.DeepCopy(), PathElem{
			FromTree:     node.Head.Owner,
			FromSlot:     i,
			ToAddr:       kp.BlockPtr,
			ToGeneration: kp.Generation,
			ToLevel:      node.Head.Level - 1,
			ToKey:        kp.Key,
			ToMaxKey:     toMaxKey,
		})
		if cbs.KeyPointer != nil && !cbs.KeyPointer(kpPath, kp) {
			continue
		}
		treeWalk(ctx, fs, kpPath, errHandle, cbs)
		if ctx.Err() != nil {
			return
		}
	}
	for i, item := range node.BodyLeaf {
		itemPath := append(path.DeepCopy(), PathElem{
			FromTree: node.Head.Owner,
			FromSlot: i,
			ToKey:    item.Key,
			ToMaxKey: item.Key,
		})
		if errBody, isErr := item.Body.(btrfsitem.Error); isErr {
			if cbs.BadItem == nil {
				errHandle(&TreeError{Path: itemPath, Err: errBody.Err})
			} else {
				cbs.BadItem(itemPath, item)
			}
		} else if cbs.Item != nil {
			cbs.Item(itemPath, item)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
