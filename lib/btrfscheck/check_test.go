// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsitem"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfssum"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/linux"
)

const (
	testNodeSize   = 16 * 1024
	testSectorSize = 4 * 1024
	testGen        = btrfsprim.Generation(1)

	chunkLAddr = btrfsvol.LogicalAddr(0x100000)
	chunkSize  = btrfsvol.AddrDelta(64 * 1024 * 1024)
	chunkPAddr = btrfsvol.PhysicalAddr(0x10000)

	fsLeafAddr   = btrfsvol.LogicalAddr(0x101000)
	dataExtent   = btrfsvol.LogicalAddr(0x200000)
	dataExtentSz = uint64(4096)
)

var treeAddrs = map[btrfsprim.ObjID]btrfsvol.LogicalAddr{
	btrfsprim.ROOT_TREE_OBJECTID:   0x110000,
	btrfsprim.CHUNK_TREE_OBJECTID:  0x120000,
	btrfsprim.EXTENT_TREE_OBJECTID: 0x130000,
	btrfsprim.DEV_TREE_OBJECTID:    0x140000,
	btrfsprim.CSUM_TREE_OBJECTID:   0x150000,
	btrfsprim.FS_TREE_OBJECTID:     fsLeafAddr,
}

// testFS is an in-memory WritableFS: each tree is a sorted item list
// rendered as a single leaf on demand, so that mutations from the
// test transaction engine are visible to the next search.
type testFS struct {
	sb    btrfstree.Superblock
	trees map[btrfsprim.ObjID][]btrfstree.Item
}

var _ WritableFS = (*testFS)(nil)

func (fs *testFS) Superblock() (*btrfstree.Superblock, error) { return &fs.sb, nil }

func (fs *testFS) TreeRoot(_ context.Context, treeID btrfsprim.ObjID) (*btrfstree.TreeRoot, error) {
	addr, ok := treeAddrs[treeID]
	if !ok {
		return nil, fmt.Errorf("tree %v: %w", treeID, btrfstree.ErrNoTree)
	}
	if _, ok := fs.trees[treeID]; !ok {
		return nil, fmt.Errorf("tree %v: %w", treeID, btrfstree.ErrNoTree)
	}
	return &btrfstree.TreeRoot{
		TreeID:     treeID,
		RootNode:   addr,
		Level:      0,
		Generation: testGen,
	}, nil
}

func (fs *testFS) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	for treeID, treeAddr := range treeAddrs {
		if treeAddr != addr {
			continue
		}
		items, ok := fs.trees[treeID]
		if !ok {
			break
		}
		node := &btrfstree.Node{
			Size: testNodeSize,
			Head: btrfstree.NodeHeader{
				Addr:       addr,
				Generation: testGen,
				Owner:      treeID,
				NumItems:   uint32(len(items)),
				Level:      0,
			},
			BodyLeaf: append([]btrfstree.Item(nil), items...),
		}
		if err := exp.Check(node); err != nil {
			return node, &btrfstree.NodeError[btrfsvol.LogicalAddr]{Op: "testFS.AcquireNode", NodeAddr: addr, Err: err}
		}
		return node, nil
	}
	return nil, &btrfstree.NodeError[btrfsvol.LogicalAddr]{
		Op: "testFS.AcquireNode", NodeAddr: addr,
		Err: &btrfstree.IOError{Err: fmt.Errorf("no such node")},
	}
}

func (*testFS) ReleaseNode(*btrfstree.Node)                      {}
func (*testFS) WriteNode(context.Context, *btrfstree.Node) error { return nil }

// testTxnEngine applies mutations straight to the item lists.
type testTxnEngine struct {
	fs *testFS
}

func (eng *testTxnEngine) AvoidExtentsOverwrite(context.Context) error { return nil }
func (eng *testTxnEngine) Begin(context.Context) (Transaction, error) {
	return &testTxn{fs: eng.fs}, nil
}

type testTxn struct {
	fs *testFS
}

func (txn *testTxn) find(treeID btrfsprim.ObjID, key btrfsprim.Key) (int, bool) {
	items := txn.fs.trees[treeID]
	i := sort.Search(len(items), func(i int) bool {
		return items[i].Key.Compare(key) >= 0
	})
	return i, i < len(items) && items[i].Key == key
}

func (txn *testTxn) InsertItem(_ context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	i, found := txn.find(treeID, key)
	if found {
		return fmt.Errorf("insert %v: exists", key)
	}
	items := txn.fs.trees[treeID]
	items = append(items, btrfstree.Item{})
	copy(items[i+1:], items[i:])
	items[i] = btrfstree.Item{Key: key, Body: body}
	txn.fs.trees[treeID] = items
	return nil
}

func (txn *testTxn) DeleteItem(_ context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key) error {
	i, found := txn.find(treeID, key)
	if !found {
		return fmt.Errorf("delete %v: no such item", key)
	}
	items := txn.fs.trees[treeID]
	txn.fs.trees[treeID] = append(items[:i], items[i+1:]...)
	return nil
}

func (txn *testTxn) UpdateItem(_ context.Context, treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	i, found := txn.find(treeID, key)
	if !found {
		return fmt.Errorf("update %v: no such item", key)
	}
	txn.fs.trees[treeID][i].Body = body
	return nil
}

func (txn *testTxn) PunchHole(ctx context.Context, treeID btrfsprim.ObjID, inode btrfsprim.ObjID, beg, end int64) error {
	return txn.InsertItem(ctx, treeID, btrfsprim.Key{
		ObjectID: inode,
		ItemType: btrfsprim.EXTENT_DATA_KEY,
		Offset:   uint64(beg),
	}, btrfsitem.FileExtent{
		RAMBytes: end - beg,
		Type:     btrfsitem.FILE_EXTENT_REG,
		BodyExtent: btrfsitem.FileExtentExtent{
			NumBytes: end - beg,
		},
	})
}

func (txn *testTxn) Commit(context.Context) error { return nil }

func tk(objID btrfsprim.ObjID, typ btrfsprim.ItemType, off uint64) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: objID, ItemType: typ, Offset: off}
}

func item(key btrfsprim.Key, body btrfsitem.Item) btrfstree.Item {
	return btrfstree.Item{Key: key, Body: body}
}

func sortedItems(items ...btrfstree.Item) []btrfstree.Item {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key.Compare(items[j].Key) < 0
	})
	return items
}

// buildCleanFS is spec scenario 1: one fs-root with directory inode
// 256 ("foo" → 257) and regular file inode 257 with one extent and a
// matching csum item.
func buildCleanFS() *testFS {
	dirEntry := btrfsitem.DirEntry{
		Location: tk(257, btrfsprim.INODE_ITEM_KEY, 0),
		Type:     btrfsitem.FT_REG_FILE,
		Name:     []byte("foo"),
	}
	fooHash := btrfsitem.NameHash([]byte("foo"))

	fsTree := sortedItems(
		item(tk(256, btrfsprim.INODE_ITEM_KEY, 0), btrfsitem.Inode{
			Generation: testGen,
			TransID:    testGen,
			Size:       6, // "foo" in DIR_ITEM + DIR_INDEX
			NLink:      1,
			Mode:       linux.ModeFmtDir | 0o755,
		}),
		item(tk(256, btrfsprim.INODE_REF_KEY, 256), btrfsitem.InodeRefs{
			Refs: []btrfsitem.InodeRef{{Index: 0, Name: []byte("..")}},
		}),
		item(tk(256, btrfsprim.DIR_ITEM_KEY, fooHash), dirEntry),
		item(tk(256, btrfsprim.DIR_INDEX_KEY, 2), dirEntry),
		item(tk(257, btrfsprim.INODE_ITEM_KEY, 0), btrfsitem.Inode{
			Generation: testGen,
			TransID:    testGen,
			Size:       5,
			NumBytes:   int64(dataExtentSz),
			NLink:      1,
			Mode:       linux.ModeFmtRegular | 0o644,
		}),
		item(tk(257, btrfsprim.INODE_REF_KEY, 256), btrfsitem.InodeRefs{
			Refs: []btrfsitem.InodeRef{{Index: 2, Name: []byte("foo")}},
		}),
		item(tk(257, btrfsprim.EXTENT_DATA_KEY, 0), btrfsitem.FileExtent{
			Generation: testGen,
			RAMBytes:   int64(dataExtentSz),
			Type:       btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr:   dataExtent,
				DiskNumBytes: btrfsvol.AddrDelta(dataExtentSz),
				NumBytes:     int64(dataExtentSz),
			},
		}),
	)

	rootTree := sortedItems(
		item(tk(btrfsprim.FS_TREE_OBJECTID, btrfsprim.ROOT_ITEM_KEY, 0), btrfsitem.Root{
			Generation: testGen,
			RootDirID:  256,
			ByteNr:     fsLeafAddr,
			Level:      0,
		}),
	)

	chunkType := btrfsvol.BLOCK_GROUP_DATA | btrfsvol.BLOCK_GROUP_METADATA
	chunkTree := sortedItems(
		item(tk(btrfsprim.DEV_ITEMS_OBJECTID, btrfsprim.DEV_ITEM_KEY, 1), btrfsitem.Dev{
			DevID:    1,
			NumBytes: 1 << 30,
		}),
		item(tk(btrfsprim.FIRST_CHUNK_TREE_OBJECTID, btrfsprim.CHUNK_ITEM_KEY, uint64(chunkLAddr)), btrfsitem.Chunk{
			Head: btrfsitem.ChunkHeader{
				Size:      chunkSize,
				Owner:     btrfsprim.EXTENT_TREE_OBJECTID,
				StripeLen: 0x10000,
				Type:      chunkType,
				IOMinSize: testSectorSize,
			},
			Stripes: []btrfsitem.ChunkStripe{
				{DeviceID: 1, Offset: chunkPAddr},
			},
		}),
	)

	devTree := sortedItems(
		item(tk(1, btrfsprim.DEV_EXTENT_KEY, uint64(chunkPAddr)), btrfsitem.DevExtent{
			ChunkTree:     btrfsprim.CHUNK_TREE_OBJECTID,
			ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
			ChunkOffset:   chunkLAddr,
			Length:        chunkSize,
		}),
	)

	extentTree := sortedItems(
		item(tk(btrfsprim.ObjID(chunkLAddr), btrfsprim.BLOCK_GROUP_ITEM_KEY, uint64(chunkSize)), btrfsitem.BlockGroup{
			Used:          testNodeSize + int64(dataExtentSz),
			ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
			Flags:         chunkType,
		}),
		item(tk(btrfsprim.ObjID(fsLeafAddr), btrfsprim.METADATA_ITEM_KEY, 0), btrfsitem.Metadata{
			Head: btrfsitem.ExtentHeader{
				Refs:       1,
				Generation: testGen,
				Flags:      btrfsitem.EXTENT_FLAG_TREE_BLOCK,
			},
			Refs: []btrfsitem.ExtentInlineRef{
				{Type: btrfsprim.TREE_BLOCK_REF_KEY, Offset: uint64(btrfsprim.FS_TREE_OBJECTID)},
			},
		}),
		item(tk(btrfsprim.ObjID(dataExtent), btrfsprim.EXTENT_ITEM_KEY, dataExtentSz), btrfsitem.Extent{
			Head: btrfsitem.ExtentHeader{
				Refs:       1,
				Generation: testGen,
				Flags:      btrfsitem.EXTENT_FLAG_DATA,
			},
			Refs: []btrfsitem.ExtentInlineRef{
				{
					Type: btrfsprim.EXTENT_DATA_REF_KEY,
					Body: btrfsitem.ExtentDataRef{
						Root:     btrfsprim.FS_TREE_OBJECTID,
						ObjectID: 257,
						Offset:   0,
						Count:    1,
					},
				},
			},
		}),
	)

	csumTree := sortedItems(
		item(tk(btrfsprim.EXTENT_CSUM_OBJECTID, btrfsprim.EXTENT_CSUM_KEY, uint64(dataExtent)), btrfsitem.ExtentCSum{
			ChecksumSize: 4,
			Addr:         dataExtent,
			Sums:         make([]btrfssum.CSum, 1),
		}),
	)

	return &testFS{
		sb: btrfstree.Superblock{
			Generation: testGen,
			NodeSize:   testNodeSize,
			SectorSize: testSectorSize,
			BytesUsed:  testNodeSize + dataExtentSz,
		},
		trees: map[btrfsprim.ObjID][]btrfstree.Item{
			btrfsprim.ROOT_TREE_OBJECTID:   rootTree,
			btrfsprim.CHUNK_TREE_OBJECTID:  chunkTree,
			btrfsprim.DEV_TREE_OBJECTID:    devTree,
			btrfsprim.EXTENT_TREE_OBJECTID: extentTree,
			btrfsprim.CSUM_TREE_OBJECTID:   csumTree,
			btrfsprim.FS_TREE_OBJECTID:     fsTree,
		},
	}
}

func checkOnce(t *testing.T, fs *testFS, repair bool) ErrorSet {
	t.Helper()
	opts := Options{Repair: repair}
	if repair {
		opts.Txn = &testTxnEngine{fs: fs}
	}
	errs, err := Check(context.Background(), fs, opts)
	require.NoError(t, err)
	return errs
}

// repairUntilClean runs repair passes until a read-only pass comes
// back clean; repairs that shift aggregates (isize vs re-added
// entries) signal DIR_COUNT_AGAIN and need another pass.
func repairUntilClean(t *testing.T, fs *testFS) ErrorSet {
	t.Helper()
	for i := 0; i < 4; i++ {
		checkOnce(t, fs, true)
		if errs := checkOnce(t, fs, false); errs.Empty() {
			return errs
		}
	}
	return checkOnce(t, fs, false)
}

func TestCheckCleanFS(t *testing.T) {
	t.Parallel()
	fs := buildCleanFS()
	errs := checkOnce(t, fs, false)
	assert.True(t, errs.Empty(), "expected clean, got %v", errs)
}

func TestCheckMissingDirIndex(t *testing.T) {
	t.Parallel()
	fs := buildCleanFS()
	txn := &testTxn{fs: fs}
	require.NoError(t, txn.DeleteItem(context.Background(),
		btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_INDEX_KEY, 2)))

	errs := checkOnce(t, fs, false)
	assert.True(t, errs.Has(DIR_INDEX_MISSING), "got %v", errs)
	assert.False(t, errs.Has(DIR_ITEM_MISSING), "got %v", errs)
	assert.False(t, errs.Has(DIR_ITEM_MISMATCH), "got %v", errs)
	assert.False(t, errs.Has(INODE_REF_MISSING), "got %v", errs)

	errs = repairUntilClean(t, fs)
	assert.True(t, errs.Empty(), "expected clean after repair, got %v", errs)

	// The rebuilt DIR_INDEX points at inode 257 with the file
	// type.
	items := fs.trees[btrfsprim.FS_TREE_OBJECTID]
	var rebuilt *btrfsitem.DirEntry
	for i := range items {
		if items[i].Key == tk(256, btrfsprim.DIR_INDEX_KEY, 2) {
			entry := items[i].Body.(btrfsitem.DirEntry)
			rebuilt = &entry
		}
	}
	require.NotNil(t, rebuilt)
	assert.Equal(t, btrfsprim.ObjID(257), rebuilt.Location.ObjectID)
	assert.Equal(t, btrfsitem.FT_REG_FILE, rebuilt.Type)
}

func TestCheckDirItemHashMismatch(t *testing.T) {
	t.Parallel()
	fs := buildCleanFS()
	ctx := context.Background()
	txn := &testTxn{fs: fs}
	fooHash := btrfsitem.NameHash([]byte("foo"))
	entry := btrfsitem.DirEntry{
		Location: tk(257, btrfsprim.INODE_ITEM_KEY, 0),
		Type:     btrfsitem.FT_REG_FILE,
		Name:     []byte("foo"),
	}
	require.NoError(t, txn.DeleteItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_ITEM_KEY, fooHash)))
	require.NoError(t, txn.InsertItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_ITEM_KEY, 0xDEADBEEF), entry))

	errs := checkOnce(t, fs, false)
	assert.True(t, errs.Has(DIR_ITEM_HASH_MISMATCH), "got %v", errs)

	errs = repairUntilClean(t, fs)
	assert.True(t, errs.Empty(), "expected clean after repair, got %v", errs)

	// The offending DIR_ITEM was deleted and rebuilt under the
	// correct hash.
	if _, found := txn.find(btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_ITEM_KEY, 0xDEADBEEF)); found {
		t.Error("DIR_ITEM with bogus hash still present")
	}
	if _, found := txn.find(btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_ITEM_KEY, fooHash)); !found {
		t.Error("DIR_ITEM with correct hash missing")
	}
}

func TestCheckBadInodeMode(t *testing.T) {
	t.Parallel()
	fs := buildCleanFS()
	ctx := context.Background()
	txn := &testTxn{fs: fs}
	i, found := txn.find(btrfsprim.FS_TREE_OBJECTID, tk(257, btrfsprim.INODE_ITEM_KEY, 0))
	require.True(t, found)
	inode := fs.trees[btrfsprim.FS_TREE_OBJECTID][i].Body.(btrfsitem.Inode)
	inode.Mode = 0
	require.NoError(t, txn.UpdateItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(257, btrfsprim.INODE_ITEM_KEY, 0), inode))

	errs := checkOnce(t, fs, false)
	assert.True(t, errs.Has(INODE_MODE_ERROR), "got %v", errs)

	errs = repairUntilClean(t, fs)
	assert.True(t, errs.Empty(), "expected clean after repair, got %v", errs)

	// detectInodeMode saw the adjacent EXTENT_DATA item.
	i, found = txn.find(btrfsprim.FS_TREE_OBJECTID, tk(257, btrfsprim.INODE_ITEM_KEY, 0))
	require.True(t, found)
	repaired := fs.trees[btrfsprim.FS_TREE_OBJECTID][i].Body.(btrfsitem.Inode)
	assert.Equal(t, linux.ModeFmtRegular|0o700, repaired.Mode)
}

func TestCheckNBytesError(t *testing.T) {
	t.Parallel()
	fs := buildCleanFS()
	ctx := context.Background()
	txn := &testTxn{fs: fs}
	i, found := txn.find(btrfsprim.FS_TREE_OBJECTID, tk(257, btrfsprim.INODE_ITEM_KEY, 0))
	require.True(t, found)
	inode := fs.trees[btrfsprim.FS_TREE_OBJECTID][i].Body.(btrfsitem.Inode)
	inode.NumBytes = 12345
	require.NoError(t, txn.UpdateItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(257, btrfsprim.INODE_ITEM_KEY, 0), inode))

	errs := checkOnce(t, fs, false)
	assert.True(t, errs.Has(NBYTES_ERROR), "got %v", errs)

	errs = repairUntilClean(t, fs)
	assert.True(t, errs.Empty(), "expected clean after repair, got %v", errs)
}

func TestCheckSuperBytesUsed(t *testing.T) {
	t.Parallel()
	fs := buildCleanFS()
	fs.sb.BytesUsed = 1

	errs := checkOnce(t, fs, false)
	assert.True(t, errs.Has(SUPER_BYTES_USED_ERROR), "got %v", errs)
}

// sharedFS serves one long-lived node per tree, mirroring the real
// filesystem handle's node cache: every caller gets the same pointer,
// so in-place repairs through the offline transaction engine are
// visible to live cursors.  This is the aliasing contract that the
// rebuilt-per-acquire testFS above does not reproduce.
type sharedFS struct {
	inner *testFS
	nodes map[btrfsprim.ObjID]*btrfstree.Node
}

var _ WritableFS = (*sharedFS)(nil)

func newSharedFS(inner *testFS) *sharedFS {
	return &sharedFS{
		inner: inner,
		nodes: make(map[btrfsprim.ObjID]*btrfstree.Node),
	}
}

func (fs *sharedFS) Superblock() (*btrfstree.Superblock, error) { return fs.inner.Superblock() }

func (fs *sharedFS) TreeRoot(ctx context.Context, treeID btrfsprim.ObjID) (*btrfstree.TreeRoot, error) {
	return fs.inner.TreeRoot(ctx, treeID)
}

func (fs *sharedFS) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	for treeID, treeAddr := range treeAddrs {
		if treeAddr != addr {
			continue
		}
		node, cached := fs.nodes[treeID]
		if !cached {
			items, have := fs.inner.trees[treeID]
			if !have {
				break
			}
			node = &btrfstree.Node{
				Size: testNodeSize,
				Head: btrfstree.NodeHeader{
					Addr:       addr,
					Generation: testGen,
					Owner:      treeID,
					NumItems:   uint32(len(items)),
					Level:      0,
				},
				BodyLeaf: append([]btrfstree.Item(nil), items...),
			}
			fs.nodes[treeID] = node
		}
		if err := exp.Check(node); err != nil {
			return node, &btrfstree.NodeError[btrfsvol.LogicalAddr]{Op: "sharedFS.AcquireNode", NodeAddr: addr, Err: err}
		}
		return node, nil
	}
	return nil, &btrfstree.NodeError[btrfsvol.LogicalAddr]{
		Op: "sharedFS.AcquireNode", NodeAddr: addr,
		Err: &btrfstree.IOError{Err: fmt.Errorf("no such node")},
	}
}

func (*sharedFS) ReleaseNode(*btrfstree.Node) {}

// WriteNode is a no-op: the transaction engine already mutated the
// shared node that every reader sees.
func (*sharedFS) WriteNode(context.Context, *btrfstree.Node) error { return nil }

func (fs *sharedFS) findItem(ctx context.Context, t *testing.T, treeID btrfsprim.ObjID, key btrfsprim.Key) (btrfstree.Item, bool) {
	t.Helper()
	node, err := fs.AcquireNode(ctx, treeAddrs[treeID], btrfstree.NodeExpectations{})
	require.NoError(t, err)
	for _, item := range node.BodyLeaf {
		if item.Key == key {
			return item, true
		}
	}
	return btrfstree.Item{}, false
}

// mutateShared applies setup damage through the production engine so
// the shared nodes stay authoritative.
func mutateShared(ctx context.Context, t *testing.T, eng TransactionEngine, mutate func(Transaction) error) {
	t.Helper()
	txn, err := eng.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, mutate(txn))
	require.NoError(t, txn.Commit(ctx))
}

// repairSharedUntilClean drives repair passes through the production
// engine until a read-only pass comes back clean, asserting that no
// pass manufactures a spurious link-count defect from a stale cursor.
func repairSharedUntilClean(ctx context.Context, t *testing.T, fs *sharedFS, eng TransactionEngine) ErrorSet {
	t.Helper()
	for i := 0; i < 4; i++ {
		repairErrs, err := Check(ctx, fs, Options{Repair: true, Txn: eng})
		require.NoError(t, err)
		assert.False(t, repairErrs.Has(LINK_COUNT_ERROR),
			"pass %d: in-place repair must not double-count inode refs: %v", i, repairErrs)
		roErrs, err := Check(ctx, fs, Options{})
		require.NoError(t, err)
		if roErrs.Empty() {
			return roErrs
		}
	}
	errs, err := Check(ctx, fs, Options{})
	require.NoError(t, err)
	return errs
}

func TestCheckRepairSharedNodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newSharedFS(buildCleanFS())
	eng := NewLocalTransactionEngine(fs)

	mutateShared(ctx, t, eng, func(txn Transaction) error {
		return txn.DeleteItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_INDEX_KEY, 2))
	})

	errs, err := Check(ctx, fs, Options{})
	require.NoError(t, err)
	assert.True(t, errs.Has(DIR_INDEX_MISSING), "got %v", errs)
	assert.False(t, errs.Has(DIR_ITEM_MISSING), "got %v", errs)
	assert.False(t, errs.Has(INODE_REF_MISSING), "got %v", errs)

	errs = repairSharedUntilClean(ctx, t, fs, eng)
	assert.True(t, errs.Empty(), "expected clean after repair, got %v", errs)

	// The rebuilt DIR_INDEX is in the shared node itself.
	rebuilt, found := fs.findItem(ctx, t, btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_INDEX_KEY, 2))
	require.True(t, found)
	entry := rebuilt.Body.(btrfsitem.DirEntry)
	assert.Equal(t, btrfsprim.ObjID(257), entry.Location.ObjectID)
	assert.Equal(t, btrfsitem.FT_REG_FILE, entry.Type)
}

func TestCheckRepairSharedNodesDeletesSurvivor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newSharedFS(buildCleanFS())
	eng := NewLocalTransactionEngine(fs)

	// Both directory-entry legs gone: the surviving INODE_REF is
	// the odd one out and gets deleted out from under the walk
	// cursor; the item that slides into its slot must still be
	// validated, and the unlinked file ends up in lost+found.
	fooHash := btrfsitem.NameHash([]byte("foo"))
	mutateShared(ctx, t, eng, func(txn Transaction) error {
		if err := txn.DeleteItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_ITEM_KEY, fooHash)); err != nil {
			return err
		}
		return txn.DeleteItem(ctx, btrfsprim.FS_TREE_OBJECTID, tk(256, btrfsprim.DIR_INDEX_KEY, 2))
	})

	errs, err := Check(ctx, fs, Options{})
	require.NoError(t, err)
	assert.True(t, errs.Has(DIR_ITEM_MISSING), "got %v", errs)
	assert.True(t, errs.Has(DIR_INDEX_MISSING), "got %v", errs)

	final := repairSharedUntilClean(ctx, t, fs, eng)
	assert.True(t, final.Empty(), "expected clean after repair, got %v", final)

	// The broken name is gone...
	_, found := fs.findItem(ctx, t, btrfsprim.FS_TREE_OBJECTID, tk(257, btrfsprim.INODE_REF_KEY, 256))
	assert.False(t, found, "surviving INODE_REF of the broken name must be deleted")

	// ...and the file was re-linked under lost+found.
	lfItem, found := fs.findItem(ctx, t, btrfsprim.FS_TREE_OBJECTID,
		tk(256, btrfsprim.DIR_ITEM_KEY, btrfsitem.NameHash([]byte(lostFoundDir))))
	require.True(t, found, "lost+found directory entry missing")
	lfID := lfItem.Body.(btrfsitem.DirEntry).Location.ObjectID
	linked, found := fs.findItem(ctx, t, btrfsprim.FS_TREE_OBJECTID,
		tk(lfID, btrfsprim.DIR_ITEM_KEY, btrfsitem.NameHash([]byte("257"))))
	require.True(t, found, "inode 257 not linked into lost+found")
	assert.Equal(t, btrfsprim.ObjID(257), linked.Body.(btrfsitem.DirEntry).Location.ObjectID)
}
