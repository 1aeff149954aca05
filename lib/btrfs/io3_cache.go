// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kdave/btrfs-progs-sub004/lib/binstruct"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfssum"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/textui"
)

func csumSize() int {
	return binstruct.StaticSize(btrfssum.CSum{})
}

// nodeCache is a lazily-initialized ARC of parsed nodes keyed by
// logical address.  The cache owns the nodes; readers never free
// them.
type nodeCache struct {
	initOnce sync.Once
	inner    *lru.ARCCache
}

func (c *nodeCache) init() {
	c.initOnce.Do(func() {
		c.inner, _ = lru.NewARC(textui.Tunable(1024))
	})
}

func (c *nodeCache) Get(addr btrfsvol.LogicalAddr) *btrfstree.Node {
	c.init()
	if val, ok := c.inner.Get(addr); ok {
		return val.(*btrfstree.Node)
	}
	return nil
}

func (c *nodeCache) Add(addr btrfsvol.LogicalAddr, node *btrfstree.Node) {
	c.init()
	c.inner.Add(addr, node)
}

func (c *nodeCache) Remove(addr btrfsvol.LogicalAddr) {
	c.init()
	c.inner.Remove(addr)
}
