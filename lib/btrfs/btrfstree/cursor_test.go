// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

const (
	testNodeSize = 16 * 1024
	testGen      = btrfsprim.Generation(1)
)

// memFS is an in-memory NodeSource for navigator tests.
type memFS struct {
	sb    Superblock
	nodes map[btrfsvol.LogicalAddr]*Node
}

func (fs *memFS) Superblock() (*Superblock, error) { return &fs.sb, nil }

func (fs *memFS) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, exp NodeExpectations) (*Node, error) {
	node, ok := fs.nodes[addr]
	if !ok {
		return nil, &NodeError[btrfsvol.LogicalAddr]{
			Op: "memFS.AcquireNode", NodeAddr: addr,
			Err: &IOError{Err: fmt.Errorf("no such node")},
		}
	}
	if err := exp.Check(node); err != nil {
		return node, &NodeError[btrfsvol.LogicalAddr]{Op: "memFS.AcquireNode", NodeAddr: addr, Err: err}
	}
	return node, nil
}

func (*memFS) ReleaseNode(*Node) {}

func tk(objID btrfsprim.ObjID, typ btrfsprim.ItemType, off uint64) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: objID, ItemType: typ, Offset: off}
}

func leafNode(addr btrfsvol.LogicalAddr, keys ...btrfsprim.Key) *Node {
	node := &Node{
		Size: testNodeSize,
		Head: NodeHeader{
			Addr:       addr,
			Generation: testGen,
			Owner:      btrfsprim.FS_TREE_OBJECTID,
			NumItems:   uint32(len(keys)),
			Level:      0,
		},
	}
	for _, key := range keys {
		node.BodyLeaf = append(node.BodyLeaf, Item{Key: key, Body: btrfsitem.Empty{}})
	}
	return node
}

func interiorNode(addr btrfsvol.LogicalAddr, level uint8, children ...*Node) *Node {
	node := &Node{
		Size: testNodeSize,
		Head: NodeHeader{
			Addr:       addr,
			Generation: testGen,
			Owner:      btrfsprim.FS_TREE_OBJECTID,
			NumItems:   uint32(len(children)),
			Level:      level,
		},
	}
	for _, child := range children {
		minKey, _ := child.MinItem()
		node.BodyInterior = append(node.BodyInterior, KeyPointer{
			Key:        minKey,
			BlockPtr:   child.Head.Addr,
			Generation: testGen,
		})
	}
	return node
}

// buildTestTree is a 2-level tree with 3 leaves and 5 items.
func buildTestTree() (*memFS, TreeRoot) {
	leaf1 := leafNode(0x1000, tk(1, 1, 0), tk(1, 12, 256))
	leaf2 := leafNode(0x2000, tk(2, 1, 0), tk(2, 108, 0))
	leaf3 := leafNode(0x3000, tk(3, 1, 0))
	root := interiorNode(0x4000, 1, leaf1, leaf2, leaf3)

	fs := &memFS{
		sb: Superblock{NodeSize: testNodeSize},
		nodes: map[btrfsvol.LogicalAddr]*Node{
			leaf1.Head.Addr: leaf1,
			leaf2.Head.Addr: leaf2,
			leaf3.Head.Addr: leaf3,
			root.Head.Addr:  root,
		},
	}
	return fs, TreeRoot{
		TreeID:     btrfsprim.FS_TREE_OBJECTID,
		RootNode:   root.Head.Addr,
		Level:      1,
		Generation: testGen,
	}
}

func TestCursorSearchSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, tree := buildTestTree()
	cur := NewCursor(fs, tree)
	defer cur.Release()

	// exact match
	found, err := cur.SearchSlot(ctx, tk(2, 1, 0))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, tk(2, 1, 0), cur.Key())

	// between items: lands on the greatest key ≤ the target
	found, err = cur.SearchSlot(ctx, tk(2, 50, 0))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, tk(2, 1, 0), cur.Key())

	// before everything: slot -1 on the leftmost leaf
	found, err = cur.SearchSlot(ctx, tk(0, 0, 0))
	require.NoError(t, err)
	assert.False(t, found)
	_, slot := cur.Leaf()
	assert.Equal(t, -1, slot)
	ok, err := cur.NextSlot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tk(1, 1, 0), cur.Key())
}

func TestCursorIteration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, tree := buildTestTree()
	cur := NewCursor(fs, tree)
	defer cur.Release()

	want := []btrfsprim.Key{
		tk(1, 1, 0),
		tk(1, 12, 256),
		tk(2, 1, 0),
		tk(2, 108, 0),
		tk(3, 1, 0),
	}

	// forward, hopping leaves transparently
	_, err := cur.SearchSlot(ctx, tk(0, 0, 0))
	require.NoError(t, err)
	var got []btrfsprim.Key
	for {
		ok, err := cur.NextSlot(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, cur.Key())
	}
	assert.Equal(t, want, got)

	// backward
	_, err = cur.SearchSlot(ctx, btrfsprim.MaxKey)
	require.NoError(t, err)
	got = []btrfsprim.Key{cur.Key()}
	for {
		ok, err := cur.PrevSlot(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, cur.Key())
	}
	for i, j := 0, len(got)-1; i < j; i, j = i+1, j-1 {
		got[i], got[j] = got[j], got[i]
	}
	assert.Equal(t, want, got)
}

func TestCursorPrevItemForObjectID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, tree := buildTestTree()
	cur := NewCursor(fs, tree)
	defer cur.Release()

	ok, err := cur.PrevItemForObjectID(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tk(2, 108, 0), cur.Key())

	// objectid with no items at all lands on the previous
	// object's last item
	ok, err = cur.PrevItemForObjectID(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tk(3, 1, 0), cur.Key())
}

func TestCursorBrokenBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, tree := buildTestTree()

	// a leaf that lies about its own address fails the descent
	fs.nodes[0x2000].Head.Addr = 0x9999

	cur := NewCursor(fs, tree)
	defer cur.Release()
	_, err := cur.SearchSlot(ctx, tk(2, 1, 0))
	assert.Error(t, err)
}
