// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"

	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
)

// An INODE_REF item may pack several back-references back-to-back.
//
// key.objectid = inode number of the file
// key.offset = inode number of the parent directory
type InodeRefs struct { // INODE_REF=12
	Refs []InodeRef
}

func (o *InodeRefs) UnmarshalBinary(dat []byte) (int, error) {
	o.Refs = nil
	n := 0
	for n < len(dat) {
		var ref InodeRef
		_n, err := binstruct.Unmarshal(dat[n:], &ref)
		n += _n
		if err != nil {
			return n, err
		}
		o.Refs = append(o.Refs, ref)
	}
	return n, nil
}

func (o InodeRefs) MarshalBinary() ([]byte, error) {
	var dat []byte
	for _, ref := range o.Refs {
		_dat, err := binstruct.Marshal(ref)
		dat = append(dat, _dat...)
		if err != nil {
			return dat, err
		}
	}
	return dat, nil
}

type InodeRef struct {
	Index         int64  `bin:"off=0x0, siz=0x8"`
	NameLen       uint16 `bin:"off=0x8, siz=0x2"` // [ignored-when-writing]
	binstruct.End `bin:"off=0xa"`
	Name          []byte `bin:"-"`
}

func (o *InodeRef) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.UnmarshalWithoutInterface(dat, o)
	if err != nil {
		return n, err
	}
	if o.NameLen > MaxNameLen {
		return 0, fmt.Errorf("maximum name len is %v, but .NameLen=%v",
			MaxNameLen, o.NameLen)
	}
	if len(dat) < n+int(o.NameLen) {
		return 0, fmt.Errorf("need at least %v bytes, only have %v",
			n+int(o.NameLen), len(dat))
	}
	o.Name = dat[n : n+int(o.NameLen)]
	n += int(o.NameLen)
	return n, nil
}

func (o InodeRef) MarshalBinary() ([]byte, error) {
	o.NameLen = uint16(len(o.Name))
	dat, err := binstruct.MarshalWithoutInterface(o)
	if err != nil {
		return dat, err
	}
	dat = append(dat, o.Name...)
	return dat, nil
}

// An INODE_EXTREF item is the overflow form of INODE_REF, used when
// the packed refs no longer fit.
//
// key.objectid = inode number of the file
// key.offset = NameHash of the name, for disambiguation
type InodeExtrefs struct { // INODE_EXTREF=13
	Refs []InodeExtref
}

func (o *InodeExtrefs) UnmarshalBinary(dat []byte) (int, error) {
	o.Refs = nil
	n := 0
	for n < len(dat) {
		var ref InodeExtref
		_n, err := binstruct.Unmarshal(dat[n:], &ref)
		n += _n
		if err != nil {
			return n, err
		}
		o.Refs = append(o.Refs, ref)
	}
	return n, nil
}

func (o InodeExtrefs) MarshalBinary() ([]byte, error) {
	var dat []byte
	for _, ref := range o.Refs {
		_dat, err := binstruct.Marshal(ref)
		dat = append(dat, _dat...)
		if err != nil {
			return dat, err
		}
	}
	return dat, nil
}

type InodeExtref struct {
	ParentObjectID btrfsprim.ObjID `bin:"off=0x0, siz=0x8"`
	Index          int64           `bin:"off=0x8, siz=0x8"`
	NameLen        uint16          `bin:"off=0x10, siz=0x2"` // [ignored-when-writing]
	binstruct.End  `bin:"off=0x12"`
	Name           []byte `bin:"-"`
}

func (o *InodeExtref) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.UnmarshalWithoutInterface(dat, o)
	if err != nil {
		return n, err
	}
	if o.NameLen > MaxNameLen {
		return 0, fmt.Errorf("maximum name len is %v, but .NameLen=%v",
			MaxNameLen, o.NameLen)
	}
	if len(dat) < n+int(o.NameLen) {
		return 0, fmt.Errorf("need at least %v bytes, only have %v",
			n+int(o.NameLen), len(dat))
	}
	o.Name = dat[n : n+int(o.NameLen)]
	n += int(o.NameLen)
	return n, nil
}

func (o InodeExtref) MarshalBinary() ([]byte, error) {
	o.NameLen = uint16(len(o.Name))
	dat, err := binstruct.MarshalWithoutInterface(o)
	if err != nil {
		return dat, err
	}
	dat = append(dat, o.Name...)
	return dat, nil
}
