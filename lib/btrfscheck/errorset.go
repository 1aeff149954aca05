// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfscheck is the low-memory consistency checker: a
// streaming traversal of the on-disk btrees that validates,
// cross-references, and optionally repairs metadata without holding a
// shadow copy of the extent tree in memory.
package btrfscheck

import (
	"fmt"
	"math/bits"
	"strings"
)

// ErrorKind is one category of metadata defect.
type ErrorKind uint8

const (
	DIR_ITEM_MISSING ErrorKind = iota
	DIR_ITEM_MISMATCH
	DIR_INDEX_MISSING
	DIR_INDEX_MISMATCH
	INODE_REF_MISSING
	INODE_ITEM_MISSING
	INODE_ITEM_MISMATCH
	FILE_EXTENT_ERROR
	ODD_CSUM_ITEM
	CSUM_ITEM_MISSING
	LINK_COUNT_ERROR
	NBYTES_ERROR
	ISIZE_ERROR
	ORPHAN_ITEM
	LAST_ITEM
	ROOT_REF_MISSING
	ROOT_REF_MISMATCH
	DIR_COUNT_AGAIN
	BG_ACCOUNTING_ERROR
	FATAL_ERROR
	INODE_FLAGS_ERROR
	DIR_ITEM_HASH_MISMATCH
	INODE_MODE_ERROR
	INVALID_GENERATION
	SUPER_BYTES_USED_ERROR
	BACKREF_MISSING
	BACKREF_MISMATCH
	BYTES_UNALIGNED
	REFERENCER_MISSING
	REFERENCER_MISMATCH
	CROSSING_STRIPE_BOUNDARY
	ITEM_SIZE_MISMATCH
	UNKNOWN_TYPE
	ACCOUNTING_MISMATCH
	CHUNK_TYPE_MISMATCH

	numErrorKinds
)

var errorKindNames = []string{
	"DIR_ITEM_MISSING",
	"DIR_ITEM_MISMATCH",
	"DIR_INDEX_MISSING",
	"DIR_INDEX_MISMATCH",
	"INODE_REF_MISSING",
	"INODE_ITEM_MISSING",
	"INODE_ITEM_MISMATCH",
	"FILE_EXTENT_ERROR",
	"ODD_CSUM_ITEM",
	"CSUM_ITEM_MISSING",
	"LINK_COUNT_ERROR",
	"NBYTES_ERROR",
	"ISIZE_ERROR",
	"ORPHAN_ITEM",
	"LAST_ITEM",
	"ROOT_REF_MISSING",
	"ROOT_REF_MISMATCH",
	"DIR_COUNT_AGAIN",
	"BG_ACCOUNTING_ERROR",
	"FATAL_ERROR",
	"INODE_FLAGS_ERROR",
	"DIR_ITEM_HASH_MISMATCH",
	"INODE_MODE_ERROR",
	"INVALID_GENERATION",
	"SUPER_BYTES_USED_ERROR",
	"BACKREF_MISSING",
	"BACKREF_MISMATCH",
	"BYTES_UNALIGNED",
	"REFERENCER_MISSING",
	"REFERENCER_MISMATCH",
	"CROSSING_STRIPE_BOUNDARY",
	"ITEM_SIZE_MISMATCH",
	"UNKNOWN_TYPE",
	"ACCOUNTING_MISMATCH",
	"CHUNK_TYPE_MISMATCH",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// ErrorSet is a value that accumulates many orthogonal defect
// categories; internally a fixed-width bitmask so that the numeric
// value stays machine-readable.
type ErrorSet uint64

func NewErrorSet(kinds ...ErrorKind) ErrorSet {
	var ret ErrorSet
	for _, kind := range kinds {
		ret.Insert(kind)
	}
	return ret
}

func (s *ErrorSet) Insert(k ErrorKind) {
	*s |= 1 << k
}

func (s *ErrorSet) Delete(k ErrorKind) {
	*s &^= 1 << k
}

func (s ErrorSet) Has(k ErrorKind) bool {
	return s&(1<<k) != 0
}

func (s ErrorSet) Empty() bool {
	return s == 0
}

func (s *ErrorSet) InsertFrom(o ErrorSet) {
	*s |= o
}

func (s ErrorSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Kinds returns the members of the set in bit order, for display.
func (s ErrorSet) Kinds() []ErrorKind {
	ret := make([]ErrorKind, 0, s.Len())
	for k := ErrorKind(0); k < numErrorKinds; k++ {
		if s.Has(k) {
			ret = append(ret, k)
		}
	}
	return ret
}

func (s ErrorSet) String() string {
	if s.Empty() {
		return "clean"
	}
	names := make([]string, 0, s.Len())
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return strings.Join(names, "|")
}
