// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// OutputFormat selects between the plain-text and JSON renderings of
// a command's structured output.
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

var _ fmt.Stringer = FormatText

// String implements fmt.Stringer.
func (f OutputFormat) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	default:
		panic(fmt.Errorf("invalid output format: %d", int(f)))
	}
}

// SetFromString sets the format from a --format flag value.
func (f *OutputFormat) SetFromString(str string) error {
	switch strings.ToLower(str) {
	case "text", "":
		*f = FormatText
	case "json":
		*f = FormatJSON
	default:
		return fmt.Errorf("invalid output format: %q", str)
	}
	return nil
}

// RowKind is how a RowSpec's value gets rendered.
type RowKind int

const (
	// RowPlain formats the arguments with Fmt.
	RowPlain RowKind = iota
	// RowUUID takes a [16]byte-ish fmt.Stringer and renders the
	// canonical text form, or a dash when all-zero.
	RowUUID
	// RowTime takes a unix seconds value and renders local-tz ISO
	// 8601, or a dash for zero.
	RowTime
	// RowSize takes a byte count and renders it unit-aware.
	RowSize
	// RowSizeOrNone is RowSize, but renders a dash for zero.
	RowSizeOrNone
)

// A RowSpec maps a logical key to its format string and its two
// labels (text label, JSON member name).
type RowSpec struct {
	Key       string
	Fmt       string
	TextLabel string
	JSONLabel string
	Kind      RowKind
}

const formatNestingLimit = 16

// FormatContext emits rowspec-driven output to a sink, tracking
// indentation in text mode and group nesting (maps and arrays) in
// JSON mode.
type FormatContext struct {
	Out    io.Writer
	Format OutputFormat
	Rows   []RowSpec

	depth     int
	membCount [formatNestingLimit]int
	isList    [formatNestingLimit]bool
	indent    int
}

func NewFormatContext(out io.Writer, format OutputFormat, rows []RowSpec) *FormatContext {
	return &FormatContext{
		Out:    out,
		Format: format,
		Rows:   rows,
	}
}

func (fctx *FormatContext) row(key string) RowSpec {
	for _, row := range fctx.Rows {
		if row.Key == key {
			return row
		}
	}
	panic(fmt.Errorf("unknown row key: %q", key))
}

func (fctx *FormatContext) incDepth() {
	if fctx.depth >= formatNestingLimit-1 {
		panic(fmt.Errorf("group nesting too deep, limit %v", formatNestingLimit))
	}
	fctx.depth++
	fctx.membCount[fctx.depth] = 0
}

func (fctx *FormatContext) decDepth() {
	if fctx.depth < 1 {
		panic(fmt.Errorf("group nesting below first level"))
	}
	fctx.depth--
}

// separator emits a comma only between siblings; the per-depth member
// counter decides whether the current emission opens with one.
func (fctx *FormatContext) separator() {
	if fctx.Format != FormatJSON {
		return
	}
	if fctx.membCount[fctx.depth] > 0 {
		io.WriteString(fctx.Out, ",")
	}
	io.WriteString(fctx.Out, "\n")
	io.WriteString(fctx.Out, strings.Repeat("  ", fctx.depth+1))
	fctx.membCount[fctx.depth]++
}

// Start begins the document.
func (fctx *FormatContext) Start() {
	if fctx.Format == FormatJSON {
		io.WriteString(fctx.Out, "{")
		fctx.depth = 0
		fctx.membCount[0] = 0
	}
}

// End finishes the document.
func (fctx *FormatContext) End() {
	if fctx.Format == FormatJSON {
		io.WriteString(fctx.Out, "\n}\n")
	}
}

// StartGroup opens a named group: a JSON map, or (when list is true)
// a JSON array.  In text mode it prints the name as a header and
// increases the indent.
func (fctx *FormatContext) StartGroup(name string, list bool) {
	if fctx.Format == FormatJSON {
		fctx.separator()
		if name != "" {
			fmt.Fprintf(fctx.Out, "%q: ", name)
		}
		if list {
			io.WriteString(fctx.Out, "[")
		} else {
			io.WriteString(fctx.Out, "{")
		}
		fctx.incDepth()
		fctx.isList[fctx.depth] = list
	} else {
		if name != "" {
			fmt.Fprintf(fctx.Out, "%s%s:\n", strings.Repeat("  ", fctx.indent), name)
		}
		fctx.indent++
	}
}

// EndGroup closes the innermost group.
func (fctx *FormatContext) EndGroup() {
	if fctx.Format == FormatJSON {
		list := fctx.isList[fctx.depth]
		fctx.decDepth()
		io.WriteString(fctx.Out, "\n")
		io.WriteString(fctx.Out, strings.Repeat("  ", fctx.depth+1))
		if list {
			io.WriteString(fctx.Out, "]")
		} else {
			io.WriteString(fctx.Out, "}")
		}
	} else {
		fctx.indent--
	}
}

// Print emits one row.
func (fctx *FormatContext) Print(key string, args ...any) {
	row := fctx.row(key)
	val := fctx.renderValue(row, args...)
	if fctx.Format == FormatJSON {
		fctx.separator()
		fmt.Fprintf(fctx.Out, "%q: %s", row.JSONLabel, jsonValue(row, val))
	} else {
		if row.TextLabel != "" {
			fmt.Fprintf(fctx.Out, "%s%s: %s\n",
				strings.Repeat("  ", fctx.indent), row.TextLabel, escapeText(val))
		} else {
			fmt.Fprintf(fctx.Out, "%s%s\n",
				strings.Repeat("  ", fctx.indent), escapeText(val))
		}
	}
}

func (fctx *FormatContext) renderValue(row RowSpec, args ...any) string {
	switch row.Kind {
	case RowUUID:
		str := fmt.Sprint(args[0])
		if str == "" || strings.Trim(str, "0-") == "" {
			return "-"
		}
		return str
	case RowTime:
		sec, _ := args[0].(int64)
		if sec == 0 {
			return "-"
		}
		return time.Unix(sec, 0).Format("2006-01-02T15:04:05-0700")
	case RowSize:
		return fmt.Sprint(IEC(toUint64(args[0]), "B"))
	case RowSizeOrNone:
		v := toUint64(args[0])
		if v == 0 {
			return "-"
		}
		return fmt.Sprint(IEC(v, "B"))
	default:
		return Sprintf(row.Fmt, args...)
	}
}

func toUint64(x any) uint64 {
	switch x := x.(type) {
	case uint64:
		return x
	case int64:
		return uint64(x)
	case int:
		return uint64(x)
	case uint32:
		return uint64(x)
	default:
		panic(fmt.Errorf("not a size: %T", x))
	}
}

// jsonValue quotes a rendered value for JSON output; numeric rows
// (Fmt consisting of a single integer verb) stay bare.
func jsonValue(row RowSpec, val string) string {
	if row.Kind == RowPlain && (row.Fmt == "%d" || row.Fmt == "%v") && isDigits(val) {
		return val
	}
	return escapeJSON(val)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// escapeJSON escapes control characters to \uXXXX.
func escapeJSON(s string) string {
	var ret strings.Builder
	ret.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			ret.WriteByte('\\')
			ret.WriteRune(r)
		case r < 0x20:
			fmt.Fprintf(&ret, "\\u%04x", r)
		default:
			ret.WriteRune(r)
		}
	}
	ret.WriteByte('"')
	return ret.String()
}

// escapeText escapes control characters to \NNN octal.
func escapeText(s string) string {
	var ret strings.Builder
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			fmt.Fprintf(&ret, "\\%03o", r)
		} else {
			ret.WriteRune(r)
		}
	}
	return ret.String()
}
