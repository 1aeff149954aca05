// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// The status file is text so that external tooling can inspect it
// without linking anything: a version header line, then one
// `fsid:devid|key:val|…` line per device.
const statusFileHeader = "scrub status:1"

// DefaultSpoolDir is where status files and the progress socket live.
const DefaultSpoolDir = "/var/lib/btrfs"

// StatusRecord is the persisted state of one device's scrub.
type StatusRecord struct {
	FSID  btrfsprim.UUID
	DevID btrfsvol.DeviceID

	Progress Progress
	Stats    Stats
}

// StatusFile is the parsed form of one scrub.status.<fsid> file.
type StatusFile struct {
	Records []StatusRecord

	// BadLines counts rejected lines from the last read; a bad
	// line does not abort the read.
	BadLines int
}

// Lookup returns the record for one device.
func (sf *StatusFile) Lookup(devid btrfsvol.DeviceID) *StatusRecord {
	for i := range sf.Records {
		if sf.Records[i].DevID == devid {
			return &sf.Records[i]
		}
	}
	return nil
}

// Upsert replaces or adds the record for rec's device.
func (sf *StatusFile) Upsert(rec StatusRecord) {
	if old := sf.Lookup(rec.DevID); old != nil {
		*old = rec
		return
	}
	sf.Records = append(sf.Records, rec)
}

// StatusFilePath is the spool path for a filesystem's status file.
func StatusFilePath(spoolDir string, fsid btrfsprim.UUID) string {
	return filepath.Join(spoolDir, "scrub.status."+fsid.String())
}

// ProgressSocketPath is the spool path for a filesystem's progress
// socket; bounded to the platform's sun_path.
func ProgressSocketPath(spoolDir string, fsid btrfsprim.UUID) (string, error) {
	path := filepath.Join(spoolDir, "scrub.progress."+fsid.String())
	if len(path) >= 108 {
		return "", fmt.Errorf("socket path %q exceeds sun_path", path)
	}
	return path, nil
}

// field order matters: external consumers index by name, but the file
// stays diffable when the order is stable.
var progressKeys = []string{
	"data_extents_scrubbed",
	"tree_extents_scrubbed",
	"data_bytes_scrubbed",
	"tree_bytes_scrubbed",
	"read_errors",
	"csum_errors",
	"verify_errors",
	"no_csum",
	"csum_discards",
	"super_errors",
	"malloc_errors",
	"uncorrectable_errors",
	"corrected_errors",
	"last_physical",
	"unverified_errors",
}

func (p *Progress) fields() []*uint64 {
	return []*uint64{
		&p.DataExtentsScrubbed,
		&p.TreeExtentsScrubbed,
		&p.DataBytesScrubbed,
		&p.TreeBytesScrubbed,
		&p.ReadErrors,
		&p.CSumErrors,
		&p.VerifyErrors,
		&p.NoCSum,
		&p.CSumDiscards,
		&p.SuperErrors,
		&p.MallocErrors,
		&p.Uncorrectable,
		&p.Corrected,
		&p.LastPhysical,
		&p.Unverified,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Serialize writes the file form: header plus one record line per
// device.
func (sf *StatusFile) Serialize(w io.Writer) error {
	if _, err := fmt.Fprintln(w, statusFileHeader); err != nil {
		return err
	}
	for i := range sf.Records {
		rec := &sf.Records[i]
		var line strings.Builder
		fmt.Fprintf(&line, "%v:%d", rec.FSID, rec.DevID)
		for j, ptr := range rec.Progress.fields() {
			fmt.Fprintf(&line, "|%s:%d", progressKeys[j], *ptr)
		}
		fmt.Fprintf(&line, "|t_start:%d|t_resumed:%d|duration:%d|canceled:%d|finished:%d",
			rec.Stats.TStart, rec.Stats.TResumed, rec.Stats.Duration,
			boolToInt(rec.Stats.Canceled), boolToInt(rec.Stats.Finished))
		if _, err := fmt.Fprintln(w, line.String()); err != nil {
			return err
		}
	}
	return nil
}

// ParseStatusFile reads the file form, streaming; a bad line counts
// against BadLines but does not abort the read.
func ParseStatusFile(r io.Reader) (*StatusFile, error) {
	ret := &StatusFile{}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if line != statusFileHeader {
				return nil, fmt.Errorf("unrecognized status file header %q", line)
			}
			continue
		}
		rec, err := parseStatusLine(line)
		if err != nil {
			ret.BadLines++
			continue
		}
		ret.Upsert(rec)
	}
	return ret, scanner.Err()
}

func parseStatusLine(line string) (StatusRecord, error) {
	var rec StatusRecord
	parts := strings.Split(line, "|")

	head := parts[0]
	colon := strings.LastIndex(head, ":")
	if colon < 0 {
		return rec, fmt.Errorf("no fsid:devid header in %q", line)
	}
	fsid, err := btrfsprim.ParseUUID(head[:colon])
	if err != nil {
		return rec, err
	}
	if fsid == (btrfsprim.UUID{}) {
		return rec, fmt.Errorf("empty fsid in %q", line)
	}
	devid, err := strconv.ParseUint(head[colon+1:], 10, 64)
	if err != nil {
		return rec, err
	}
	rec.FSID = fsid
	rec.DevID = btrfsvol.DeviceID(devid)

	progFields := rec.Progress.fields()
	for _, kv := range parts[1:] {
		keyval := strings.SplitN(kv, ":", 2)
		if len(keyval) != 2 {
			return rec, fmt.Errorf("bad key:val %q", kv)
		}
		val, err := strconv.ParseUint(keyval[1], 10, 64)
		if err != nil {
			return rec, err
		}
		switch keyval[0] {
		case "t_start":
			rec.Stats.TStart = int64(val)
		case "t_resumed":
			rec.Stats.TResumed = int64(val)
		case "duration":
			rec.Stats.Duration = int64(val)
		case "canceled":
			rec.Stats.Canceled = val != 0
		case "finished":
			rec.Stats.Finished = val != 0
		default:
			known := false
			for j, key := range progressKeys {
				if key == keyval[0] {
					*progFields[j] = val
					known = true
					break
				}
			}
			if !known {
				// Unknown keys from newer tools are
				// skipped, not fatal.
				continue
			}
		}
	}
	return rec, nil
}

// ReadStatusFile loads the status file for a filesystem; a missing
// file is an empty status, not an error.
func ReadStatusFile(spoolDir string, fsid btrfsprim.UUID) (*StatusFile, error) {
	fh, err := os.Open(StatusFilePath(spoolDir, fsid))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return &StatusFile{}, nil
		}
		return nil, err
	}
	defer fh.Close()
	return ParseStatusFile(fh)
}

// WriteStatusFile persists the records: write to a _tmp sibling under
// an exclusive flock, fsync, rename into place.  Readers observe
// either the previous complete snapshot or the new one.
func WriteStatusFile(spoolDir string, fsid btrfsprim.UUID, sf *StatusFile) (err error) {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return err
	}
	final := StatusFilePath(spoolDir, fsid)
	tmp := final + "_tmp"

	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if fh != nil {
			_ = fh.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	if err := sf.Serialize(fh); err != nil {
		return err
	}
	if err := fh.Sync(); err != nil {
		return err
	}
	if err := fh.Close(); err != nil {
		fh = nil
		_ = os.Remove(tmp)
		return err
	}
	fh = nil
	return os.Rename(tmp, final)
}
