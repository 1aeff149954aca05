// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/containers"
	"github.com/kdave/btrfs-progs-sub004/lib/diskio"
	"github.com/kdave/btrfs-progs-sub004/lib/maps"
)

// Mapping is a single logical→physical translation: one stripe of
// one chunk.
type Mapping struct {
	LAddr LogicalAddr
	PAddr QualifiedPhysicalAddr
	Size  AddrDelta
	Flags containers.Optional[BlockGroupFlags]
}

func (m Mapping) containsLAddr(laddr LogicalAddr) bool {
	return m.LAddr <= laddr && laddr < m.LAddr.Add(m.Size)
}

// LogicalVolume is the chunk map plus the set of member devices; the
// translation state that everything above the raw devices reads
// through.
//
// The chunk map is written during open (from the superblock's system
// chunk array, then from the chunk tree) and is read-shared
// thereafter.
type LogicalVolume[PhysicalVolume diskio.File[PhysicalAddr]] struct {
	name string

	id2pv map[DeviceID]PhysicalVolume

	// sorted by .LAddr; a logical address may appear in several
	// consecutive entries (one per mirror).
	mappings []Mapping
}

func (lv *LogicalVolume[PhysicalVolume]) SetName(name string) { lv.name = name }
func (lv *LogicalVolume[PhysicalVolume]) Name() string        { return lv.name }

func (lv *LogicalVolume[PhysicalVolume]) AddPhysicalVolume(id DeviceID, pv PhysicalVolume) error {
	if lv.id2pv == nil {
		lv.id2pv = make(map[DeviceID]PhysicalVolume)
	}
	if other, exists := lv.id2pv[id]; exists {
		return fmt.Errorf("lv %q: multiple physical volumes with device id %v: %q and %q",
			lv.name, id, other.Name(), pv.Name())
	}
	lv.id2pv[id] = pv
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) PhysicalVolumes() map[DeviceID]PhysicalVolume {
	dup := make(map[DeviceID]PhysicalVolume, len(lv.id2pv))
	for k, v := range lv.id2pv {
		dup[k] = v
	}
	return dup
}

func (lv *LogicalVolume[PhysicalVolume]) Close() error {
	for _, dev := range lv.id2pv {
		if err := dev.Close(); err != nil {
			return err
		}
	}
	return nil
}

// AddMapping records one stripe.  Exact duplicates (as happen when
// the system chunk array and the chunk tree describe the same system
// chunks) are silently merged.
func (lv *LogicalVolume[PhysicalVolume]) AddMapping(ctx context.Context, m Mapping) error {
	if _, haveDev := lv.id2pv[m.PAddr.Dev]; !haveDev {
		dlog.Warnf(ctx, "lv %q: mapping laddr=%v references missing device id %v",
			lv.name, m.LAddr, m.PAddr.Dev)
	}
	for _, old := range lv.mappings {
		if old.LAddr == m.LAddr && old.PAddr == m.PAddr && old.Size == m.Size {
			return nil
		}
	}
	i := sort.Search(len(lv.mappings), func(i int) bool {
		if lv.mappings[i].LAddr != m.LAddr {
			return lv.mappings[i].LAddr > m.LAddr
		}
		return lv.mappings[i].PAddr.Compare(m.PAddr) > 0
	})
	lv.mappings = append(lv.mappings, Mapping{})
	copy(lv.mappings[i+1:], lv.mappings[i:])
	lv.mappings[i] = m
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) Mappings() []Mapping {
	return lv.mappings
}

// Resolve returns every physical location of the given logical
// address.
func (lv *LogicalVolume[PhysicalVolume]) Resolve(laddr LogicalAddr) (paddrs containers.Set[QualifiedPhysicalAddr], maxlen AddrDelta) {
	paddrs = make(containers.Set[QualifiedPhysicalAddr])
	maxlen = AddrDelta(0)
	for _, m := range lv.mappings {
		if !m.containsLAddr(laddr) {
			continue
		}
		offset := laddr.Sub(m.LAddr)
		paddrs.Insert(m.PAddr.Add(offset))
		if rem := m.Size - offset; maxlen == 0 || rem < maxlen {
			maxlen = rem
		}
	}
	return paddrs, maxlen
}

// ResolveAny returns some physical location of the given logical
// address.
func (lv *LogicalVolume[PhysicalVolume]) ResolveAny(laddr LogicalAddr) (QualifiedPhysicalAddr, AddrDelta, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return QualifiedPhysicalAddr{}, 0, fmt.Errorf("lv %q: could not map logical address %v", lv.name, laddr)
	}
	return paddrs.TakeOne(), maxlen, nil
}

func (lv *LogicalVolume[PhysicalVolume]) ReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := lv.maybeShortReadAt(dat[done:], laddr+LogicalAddr(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (lv *LogicalVolume[PhysicalVolume]) maybeShortReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("read laddr=%v: could not map logical address", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		dat = dat[:maxlen]
	}

	// Read the first mirror that works; a copy that fails I/O is
	// not fatal as long as some copy can be read.
	var firstErr error
	for _, paddr := range sortedPAddrs(paddrs) {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			continue
		}
		if _, err := dev.ReadAt(dat, paddr.Addr); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("read laddr=%v: %w", laddr, err)
			}
			continue
		}
		return len(dat), nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("read laddr=%v: no usable mirror", laddr)
	}
	return 0, firstErr
}

func sortedPAddrs(paddrs containers.Set[QualifiedPhysicalAddr]) []QualifiedPhysicalAddr {
	ret := maps.Keys(map[QualifiedPhysicalAddr]struct{}(paddrs))
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Compare(ret[j]) < 0
	})
	return ret
}

// ReadAtMirror reads only the copy at the given physical location.
func (lv *LogicalVolume[PhysicalVolume]) ReadAtMirror(dat []byte, paddr QualifiedPhysicalAddr) (int, error) {
	dev, ok := lv.id2pv[paddr.Dev]
	if !ok {
		return 0, fmt.Errorf("no device with id %v", paddr.Dev)
	}
	return dev.ReadAt(dat, paddr.Addr)
}

func (lv *LogicalVolume[PhysicalVolume]) WriteAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("write laddr=%v: could not map logical address", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		return 0, fmt.Errorf("write laddr=%v: write of %v bytes crosses a chunk boundary (%v bytes left in chunk)",
			laddr, len(dat), maxlen)
	}
	for paddr := range paddrs {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			return 0, fmt.Errorf("write laddr=%v: no device with id %v", laddr, paddr.Dev)
		}
		if _, err := dev.WriteAt(dat, paddr.Addr); err != nil {
			return 0, fmt.Errorf("write laddr=%v: %w", laddr, err)
		}
	}
	return len(dat), nil
}

var _ diskio.ReaderAt[LogicalAddr] = (*LogicalVolume[diskio.File[PhysicalAddr]])(nil)
