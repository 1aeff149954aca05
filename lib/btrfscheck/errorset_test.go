// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorSet(t *testing.T) {
	t.Parallel()

	var s ErrorSet
	assert.True(t, s.Empty())
	assert.Equal(t, "clean", s.String())

	s.Insert(DIR_INDEX_MISSING)
	s.Insert(NBYTES_ERROR)
	s.Insert(DIR_INDEX_MISSING) // idempotent
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(DIR_INDEX_MISSING))
	assert.False(t, s.Has(DIR_ITEM_MISSING))
	assert.Equal(t, []ErrorKind{DIR_INDEX_MISSING, NBYTES_ERROR}, s.Kinds())
	assert.Equal(t, "DIR_INDEX_MISSING|NBYTES_ERROR", s.String())

	s.Delete(DIR_INDEX_MISSING)
	assert.False(t, s.Has(DIR_INDEX_MISSING))
	assert.Equal(t, 1, s.Len())

	var o ErrorSet
	o.Insert(FATAL_ERROR)
	s.InsertFrom(o)
	assert.True(t, s.Has(FATAL_ERROR))
	assert.True(t, s.Has(NBYTES_ERROR))
}

func TestErrorSetBitStability(t *testing.T) {
	t.Parallel()

	// The numeric values are load-bearing; the bitmask is
	// machine-readable output.
	assert.Equal(t, ErrorSet(1<<0), NewErrorSet(DIR_ITEM_MISSING))
	assert.Equal(t, ErrorSet(1<<19), NewErrorSet(FATAL_ERROR))
	assert.Equal(t, ErrorSet(1<<34), NewErrorSet(CHUNK_TYPE_MISMATCH))
}
