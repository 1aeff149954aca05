// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfssum"
)

func TestDirEntryRoundTrip(t *testing.T) {
	t.Parallel()

	orig := DirEntry{
		Location: btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.INODE_ITEM_KEY},
		TransID:  7,
		Type:     FT_REG_FILE,
		Name:     []byte("foo"),
	}
	dat, err := binstruct.Marshal(orig)
	require.NoError(t, err)

	key := btrfsprim.Key{
		ObjectID: 256,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   NameHash(orig.Name),
	}
	body := UnmarshalItem(key, btrfssum.TYPE_CRC32, dat)
	entry, ok := body.(DirEntry)
	require.True(t, ok, "got %T", body)
	assert.Equal(t, orig.Name, entry.Name)
	assert.Equal(t, orig.Location, entry.Location)
	assert.Equal(t, orig.Type, entry.Type)
	assert.Equal(t, uint16(3), entry.NameLen)
}

func TestInodeRefsPacked(t *testing.T) {
	t.Parallel()

	// Two refs packed back-to-back in one INODE_REF item.
	orig := InodeRefs{
		Refs: []InodeRef{
			{Index: 2, Name: []byte("a")},
			{Index: 3, Name: []byte("bc")},
		},
	}
	dat, err := binstruct.Marshal(orig)
	require.NoError(t, err)

	key := btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.INODE_REF_KEY, Offset: 256}
	body := UnmarshalItem(key, btrfssum.TYPE_CRC32, dat)
	refs, ok := body.(InodeRefs)
	require.True(t, ok, "got %T", body)
	require.Len(t, refs.Refs, 2)
	assert.Equal(t, []byte("a"), refs.Refs[0].Name)
	assert.Equal(t, []byte("bc"), refs.Refs[1].Name)
	assert.Equal(t, int64(3), refs.Refs[1].Index)
}

func TestUnmarshalItemGarbage(t *testing.T) {
	t.Parallel()

	key := btrfsprim.Key{ObjectID: 1, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0}
	body := UnmarshalItem(key, btrfssum.TYPE_CRC32, []byte{0x01, 0x02})
	_, isErr := body.(Error)
	assert.True(t, isErr, "got %T", body)
}

func TestNameHashMatchesKeyConvention(t *testing.T) {
	t.Parallel()

	// hash must be stable and name-sensitive
	assert.Equal(t, NameHash([]byte("foo")), NameHash([]byte("foo")))
	assert.NotEqual(t, NameHash([]byte("foo")), NameHash([]byte("bar")))
	// crc32c-of-name fits the DIR_ITEM key offset (32 bits)
	assert.Less(t, NameHash([]byte("foo")), uint64(1)<<32)
}
