// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"fmt"
)

type ItemType uint8

const (
	INODE_ITEM_KEY           ItemType = 1
	INODE_REF_KEY            ItemType = 12
	INODE_EXTREF_KEY         ItemType = 13
	XATTR_ITEM_KEY           ItemType = 24
	VERITY_DESC_ITEM_KEY     ItemType = 36
	VERITY_MERKLE_ITEM_KEY   ItemType = 37
	ORPHAN_ITEM_KEY          ItemType = 48
	DIR_LOG_ITEM_KEY         ItemType = 60
	DIR_LOG_INDEX_KEY        ItemType = 72
	DIR_ITEM_KEY             ItemType = 84
	DIR_INDEX_KEY            ItemType = 96
	EXTENT_DATA_KEY          ItemType = 108
	EXTENT_CSUM_KEY          ItemType = 128
	ROOT_ITEM_KEY            ItemType = 132
	ROOT_BACKREF_KEY         ItemType = 144
	ROOT_REF_KEY             ItemType = 156
	EXTENT_ITEM_KEY          ItemType = 168
	METADATA_ITEM_KEY        ItemType = 169
	TREE_BLOCK_REF_KEY       ItemType = 176
	EXTENT_DATA_REF_KEY      ItemType = 178
	SHARED_BLOCK_REF_KEY     ItemType = 182
	SHARED_DATA_REF_KEY      ItemType = 184
	BLOCK_GROUP_ITEM_KEY     ItemType = 192
	FREE_SPACE_INFO_KEY      ItemType = 198
	FREE_SPACE_EXTENT_KEY    ItemType = 199
	FREE_SPACE_BITMAP_KEY    ItemType = 200
	DEV_EXTENT_KEY           ItemType = 204
	DEV_ITEM_KEY             ItemType = 216
	CHUNK_ITEM_KEY           ItemType = 228
	QGROUP_STATUS_KEY        ItemType = 240
	QGROUP_INFO_KEY          ItemType = 242
	QGROUP_LIMIT_KEY         ItemType = 244
	QGROUP_RELATION_KEY      ItemType = 246
	TEMPORARY_ITEM_KEY       ItemType = 248
	PERSISTENT_ITEM_KEY      ItemType = 249
	DEV_REPLACE_KEY          ItemType = 250
	UUID_SUBVOL_KEY          ItemType = 251
	UUID_RECEIVED_SUBVOL_KEY ItemType = 252
	STRING_ITEM_KEY          ItemType = 253

	MAX_KEY ItemType = 255

	UNTYPED_KEY ItemType = 0
)

var itemTypeNames = map[ItemType]string{
	INODE_ITEM_KEY:           "INODE_ITEM",
	INODE_REF_KEY:            "INODE_REF",
	INODE_EXTREF_KEY:         "INODE_EXTREF",
	XATTR_ITEM_KEY:           "XATTR_ITEM",
	VERITY_DESC_ITEM_KEY:     "VERITY_DESC_ITEM",
	VERITY_MERKLE_ITEM_KEY:   "VERITY_MERKLE_ITEM",
	ORPHAN_ITEM_KEY:          "ORPHAN_ITEM",
	DIR_LOG_ITEM_KEY:         "DIR_LOG_ITEM",
	DIR_LOG_INDEX_KEY:        "DIR_LOG_INDEX",
	DIR_ITEM_KEY:             "DIR_ITEM",
	DIR_INDEX_KEY:            "DIR_INDEX",
	EXTENT_DATA_KEY:          "EXTENT_DATA",
	EXTENT_CSUM_KEY:          "EXTENT_CSUM",
	ROOT_ITEM_KEY:            "ROOT_ITEM",
	ROOT_BACKREF_KEY:         "ROOT_BACKREF",
	ROOT_REF_KEY:             "ROOT_REF",
	EXTENT_ITEM_KEY:          "EXTENT_ITEM",
	METADATA_ITEM_KEY:        "METADATA_ITEM",
	TREE_BLOCK_REF_KEY:       "TREE_BLOCK_REF",
	EXTENT_DATA_REF_KEY:      "EXTENT_DATA_REF",
	SHARED_BLOCK_REF_KEY:     "SHARED_BLOCK_REF",
	SHARED_DATA_REF_KEY:      "SHARED_DATA_REF",
	BLOCK_GROUP_ITEM_KEY:     "BLOCK_GROUP_ITEM",
	FREE_SPACE_INFO_KEY:      "FREE_SPACE_INFO",
	FREE_SPACE_EXTENT_KEY:    "FREE_SPACE_EXTENT",
	FREE_SPACE_BITMAP_KEY:    "FREE_SPACE_BITMAP",
	DEV_EXTENT_KEY:           "DEV_EXTENT",
	DEV_ITEM_KEY:             "DEV_ITEM",
	CHUNK_ITEM_KEY:           "CHUNK_ITEM",
	QGROUP_STATUS_KEY:        "QGROUP_STATUS",
	QGROUP_INFO_KEY:          "QGROUP_INFO",
	QGROUP_LIMIT_KEY:         "QGROUP_LIMIT",
	QGROUP_RELATION_KEY:      "QGROUP_RELATION",
	TEMPORARY_ITEM_KEY:       "TEMPORARY_ITEM",
	PERSISTENT_ITEM_KEY:      "PERSISTENT_ITEM",
	DEV_REPLACE_KEY:          "DEV_REPLACE",
	UUID_SUBVOL_KEY:          "UUID_SUBVOL",
	UUID_RECEIVED_SUBVOL_KEY: "UUID_RECEIVED_SUBVOL",
	STRING_ITEM_KEY:          "STRING_ITEM",
	UNTYPED_KEY:              "UNTYPED",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", uint8(t))
}
