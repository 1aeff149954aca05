// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/containers"
)

type FS struct {
	LV btrfsvol.LogicalVolume[*Device]

	cacheSuperblock *btrfstree.Superblock

	nodeCache nodeCache
}

var (
	_ btrfstree.NodeSource = (*FS)(nil)
	_ btrfstree.NodeWriter = (*FS)(nil)
)

// AddDevice identifies the device by its superblock and adds it to
// the filesystem's logical volume.
func (fs *FS) AddDevice(ctx context.Context, dev *Device) error {
	sb, err := dev.Superblock()
	if err != nil {
		return err
	}
	if fs.LV.Name() == "" {
		fs.LV.SetName(sb.FSUUID.String())
	}
	if err := fs.LV.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return err
	}
	fs.cacheSuperblock = nil
	if err := fs.initDev(ctx, *sb); err != nil {
		dlog.Errorf(ctx, "error: AddDevice: %q: %v", dev.Name(), err)
	}
	return nil
}

func (fs *FS) Name() string { return fs.LV.Name() }

func (fs *FS) Close() error { return fs.LV.Close() }

// Superblock returns the filesystem's superblock: the first copy on
// the first device that passes validation.
func (fs *FS) Superblock() (*btrfstree.Superblock, error) {
	if fs.cacheSuperblock != nil {
		return fs.cacheSuperblock, nil
	}
	var firstErr error
	for _, dev := range fs.LV.PhysicalVolumes() {
		sb, err := dev.Superblock()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("device %q: %w", dev.Name(), err)
			}
			continue
		}
		fs.cacheSuperblock = sb
		return sb, nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no devices")
	}
	return nil, firstErr
}

// initDev bootstraps the chunk map from the superblock's system
// chunk array, then fills it in from the chunk tree itself.
func (fs *FS) initDev(ctx context.Context, sb btrfstree.Superblock) error {
	syschunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return err
	}
	for _, chunk := range syschunks {
		for _, mapping := range chunk.Chunk.Mappings(chunk.Key) {
			if err := fs.LV.AddMapping(ctx, mapping); err != nil {
				return err
			}
		}
	}

	chunkRoot := btrfstree.TreeRoot{
		TreeID:     btrfsprim.CHUNK_TREE_OBJECTID,
		RootNode:   sb.ChunkTree,
		Level:      sb.ChunkLevel,
		Generation: sb.ChunkRootGeneration,
	}
	var errs []error
	btrfstree.TreeWalk(ctx, fs, chunkRoot,
		func(err *btrfstree.TreeError) {
			errs = append(errs, err)
		},
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.Path, item btrfstree.Item) {
				chunk, ok := item.Body.(btrfsitem.Chunk)
				if !ok {
					return
				}
				for _, mapping := range chunk.Mappings(item.Key) {
					if err := fs.LV.AddMapping(ctx, mapping); err != nil {
						errs = append(errs, err)
					}
				}
			},
		},
	)
	if len(errs) > 0 {
		return fmt.Errorf("init chunk map: %v", errs[0])
	}
	return nil
}

// TreeRoot resolves a tree ID against this filesystem.
func (fs *FS) TreeRoot(ctx context.Context, treeID btrfsprim.ObjID) (*btrfstree.TreeRoot, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	return btrfstree.LookupTreeRoot(ctx, fs, *sb, treeID)
}

// AcquireNode implements btrfstree.NodeSource.
//
// The node is looked up in the cache first; on a miss, every mirror
// of the logical address is read in sequence until one validates.
// When a mirror other than the first validates, that mirror is logged
// at debug level; it is not stored anywhere.
func (fs *FS) AcquireNode(ctx context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	if node := fs.nodeCache.Get(addr); node != nil {
		// Cached nodes were validated on first read; only the
		// caller-specific expectations need re-checking.
		if err := exp.Check(node); err != nil {
			return node, &btrfstree.NodeError[btrfsvol.LogicalAddr]{
				Op: "btrfs.FS.AcquireNode", NodeAddr: addr, Err: err,
			}
		}
		return node, nil
	}

	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}

	paddrs, _ := fs.LV.Resolve(addr)
	if len(paddrs) == 0 {
		return nil, &btrfstree.NodeError[btrfsvol.LogicalAddr]{
			Op: "btrfs.FS.AcquireNode", NodeAddr: addr,
			Err: &btrfstree.IOError{Err: fmt.Errorf("could not map logical address %v", addr)},
		}
	}

	var node *btrfstree.Node
	var firstErr error
	for mirror, paddr := range sortedPAddrs(paddrs) {
		dev, ok := fs.LV.PhysicalVolumes()[paddr.Dev]
		if !ok {
			continue
		}
		btrfstree.FreeNode(node)
		node, err = btrfstree.ReadNode[btrfsvol.PhysicalAddr](dev, *sb, paddr.Addr, exp)
		if err == nil {
			if mirror > 0 {
				dlog.Debugf(ctx, "node@%v: recovered from mirror %v (dev %v)",
					addr, mirror, paddr.Dev)
			}
			fs.nodeCache.Add(addr, node)
			return node, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	btrfstree.FreeNode(node)
	return nil, firstErr
}

// ReleaseNode implements btrfstree.NodeSource; nodes are owned by the
// cache, so this is a no-op.
func (fs *FS) ReleaseNode(*btrfstree.Node) {}

// WriteNode implements btrfstree.NodeWriter.  The node's checksum is
// recomputed, every mirror is written, and the stale cache entry is
// dropped.
func (fs *FS) WriteNode(ctx context.Context, node *btrfstree.Node) error {
	dat, err := node.MarshalBinary()
	if err != nil {
		return err
	}
	csum, err := node.ChecksumType.Sum(dat[csumSize():])
	if err != nil {
		return err
	}
	node.Head.Checksum = csum
	copy(dat, csum[:])

	if _, err := fs.LV.WriteAt(dat, node.Head.Addr); err != nil {
		return err
	}
	fs.nodeCache.Remove(node.Head.Addr)
	dlog.Debugf(ctx, "wrote node@%v (tree %v)", node.Head.Addr, node.Head.Owner)
	return nil
}

func sortedPAddrs(paddrs containers.Set[btrfsvol.QualifiedPhysicalAddr]) []btrfsvol.QualifiedPhysicalAddr {
	ret := make([]btrfsvol.QualifiedPhysicalAddr, 0, len(paddrs))
	for paddr := range paddrs {
		ret = append(ret, paddr)
	}
	for i := 1; i < len(ret); i++ {
		for j := i; j > 0 && ret[j].Compare(ret[j-1]) < 0; j-- {
			ret[j], ret[j-1] = ret[j-1], ret[j]
		}
	}
	return ret
}
