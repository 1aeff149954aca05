// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
)

var testFSID = btrfsprim.MustParseUUID("a0dd94ed-e60c-42e8-8632-64e8d4765a43")

func testStatusFile() *StatusFile {
	return &StatusFile{
		Records: []StatusRecord{
			{
				FSID:  testFSID,
				DevID: 1,
				Progress: Progress{
					DataExtentsScrubbed: 100,
					DataBytesScrubbed:   4096 * 100,
					TreeBytesScrubbed:   16384 * 7,
					CSumErrors:          2,
					Corrected:           2,
					LastPhysical:        0x2000000,
				},
				Stats: Stats{
					TStart:   1700000000,
					Duration: 42,
					Canceled: true,
				},
			},
			{
				FSID:  testFSID,
				DevID: 2,
				Progress: Progress{
					DataBytesScrubbed: 12345,
					LastPhysical:      0x1000,
				},
				Stats: Stats{
					TStart:   1700000000,
					TResumed: 1700000100,
					Duration: 17,
					Finished: true,
				},
			},
		},
	}
}

func TestStatusFileRoundTrip(t *testing.T) {
	t.Parallel()
	orig := testStatusFile()

	var buf strings.Builder
	require.NoError(t, orig.Serialize(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "scrub status:1\n"))

	parsed, err := ParseStatusFile(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, orig.Records, parsed.Records)
	assert.Zero(t, parsed.BadLines)
}

func TestStatusFileBadLines(t *testing.T) {
	t.Parallel()
	orig := testStatusFile()
	var buf strings.Builder
	require.NoError(t, orig.Serialize(&buf))

	// A garbage line and an empty-fsid line are rejected but do
	// not abort the read.
	mangled := buf.String() +
		"not a record at all\n" +
		"00000000-0000-0000-0000-000000000000:3|data_bytes_scrubbed:1\n"
	parsed, err := ParseStatusFile(strings.NewReader(mangled))
	require.NoError(t, err)
	assert.Equal(t, orig.Records, parsed.Records)
	assert.Equal(t, 2, parsed.BadLines)
}

func TestStatusFileUnknownHeader(t *testing.T) {
	t.Parallel()
	_, err := ParseStatusFile(strings.NewReader("scrub status:99\n"))
	assert.Error(t, err)
}

func TestStatusFilePersistence(t *testing.T) {
	t.Parallel()
	spool := t.TempDir()
	orig := testStatusFile()

	require.NoError(t, WriteStatusFile(spool, testFSID, orig))
	parsed, err := ReadStatusFile(spool, testFSID)
	require.NoError(t, err)
	assert.Equal(t, orig.Records, parsed.Records)

	// Missing file is an empty status, not an error.
	missing, err := ReadStatusFile(spool, btrfsprim.MustParseUUID("11111111-2222-3333-4444-555555555555"))
	require.NoError(t, err)
	assert.Empty(t, missing.Records)
}
