// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testRows = []RowSpec{
	{Key: "name", Fmt: "%v", TextLabel: "Name", JSONLabel: "name"},
	{Key: "count", Fmt: "%d", TextLabel: "Count", JSONLabel: "count"},
	{Key: "size", TextLabel: "Size", JSONLabel: "size_bytes", Kind: RowSize},
	{Key: "none", TextLabel: "Limit", JSONLabel: "limit", Kind: RowSizeOrNone},
	{Key: "uuid", TextLabel: "UUID", JSONLabel: "uuid", Kind: RowUUID},
}

func TestFormatText(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	fctx := NewFormatContext(&out, FormatText, testRows)
	fctx.Start()
	fctx.StartGroup("thing", false)
	fctx.Print("name", "hello")
	fctx.Print("count", 3)
	fctx.Print("none", uint64(0))
	fctx.EndGroup()
	fctx.End()

	got := out.String()
	assert.Contains(t, got, "thing:\n")
	assert.Contains(t, got, "  Name: hello\n")
	assert.Contains(t, got, "  Count: 3\n")
	assert.Contains(t, got, "  Limit: -\n")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	fctx := NewFormatContext(&out, FormatJSON, testRows)
	fctx.Start()
	fctx.StartGroup("things", true)
	fctx.StartGroup("", false)
	fctx.Print("name", "a")
	fctx.Print("count", 1)
	fctx.EndGroup()
	fctx.StartGroup("", false)
	fctx.Print("name", "b")
	fctx.Print("count", 2)
	fctx.EndGroup()
	fctx.EndGroup()
	fctx.End()

	got := out.String()
	// commas appear between siblings only
	assert.Equal(t, 1, strings.Count(got, `"name": "a"`))
	assert.Equal(t, 1, strings.Count(got, `"name": "a",`))
	assert.Equal(t, 0, strings.Count(got, `"count": 2,`))
	assert.True(t, strings.HasPrefix(got, "{"))
	assert.True(t, strings.HasSuffix(got, "}\n"))
}

func TestFormatEscaping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"a\u0001b"`, escapeJSON("a\x01b"))
	assert.Equal(t, `"quo\"te"`, escapeJSON(`quo"te`))
	assert.Equal(t, `a\001b`, escapeText("a\x01b"))
}

func TestFormatDashForZeroUUID(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	fctx := NewFormatContext(&out, FormatText, testRows)
	fctx.Print("uuid", "00000000-0000-0000-0000-000000000000")
	assert.Contains(t, out.String(), "UUID: -")
}
