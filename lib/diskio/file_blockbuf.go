// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kdave/btrfs-progs-sub004/lib/slices"
)

type bufferedBlock struct {
	Dat []byte
	Err error
}

// BufferedFile caches reads at blockSize granularity in an ARC
// cache.  Writes invalidate the affected blocks and go straight
// through to the underlying file.
type BufferedFile[A ~int64] struct {
	ctx        context.Context //nolint:containedctx // used for logging in read paths only
	inner      File[A]
	mu         sync.RWMutex
	blockSize  A
	blockCache *lru.ARCCache
}

var _ File[assertAddr] = (*BufferedFile[assertAddr])(nil)

func NewBufferedFile[A ~int64](ctx context.Context, file File[A], blockSize A, cacheSize int) *BufferedFile[A] {
	blockCache, _ := lru.NewARC(cacheSize)
	return &BufferedFile[A]{
		ctx:        ctx,
		inner:      file,
		blockSize:  blockSize,
		blockCache: blockCache,
	}
}

func (bf *BufferedFile[A]) Name() string { return bf.inner.Name() }
func (bf *BufferedFile[A]) Size() A      { return bf.inner.Size() }
func (bf *BufferedFile[A]) Close() error { return bf.inner.Close() }

func (bf *BufferedFile[A]) ReadAt(dat []byte, off A) (n int, err error) {
	done := 0
	for done < len(dat) {
		n, err := bf.maybeShortReadAt(dat[done:], off+A(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (bf *BufferedFile[A]) maybeShortReadAt(dat []byte, off A) (n int, err error) {
	offsetWithinBlock := off % bf.blockSize
	blockOffset := off - offsetWithinBlock

	bf.mu.RLock()
	cached, ok := bf.blockCache.Get(blockOffset)
	bf.mu.RUnlock()
	var block bufferedBlock
	if ok {
		block = cached.(bufferedBlock)
	} else {
		block.Dat = make([]byte, bf.blockSize)
		n, err := bf.inner.ReadAt(block.Dat, blockOffset)
		block.Dat, block.Err = block.Dat[:n], err
		bf.mu.Lock()
		bf.blockCache.Add(blockOffset, block)
		bf.mu.Unlock()
	}

	n = copy(dat, block.Dat[slices.Min(offsetWithinBlock, A(len(block.Dat))):])
	if n < len(dat) {
		return n, block.Err
	}
	return n, nil
}

func (bf *BufferedFile[A]) WriteAt(dat []byte, off A) (n int, err error) {
	n, err = bf.inner.WriteAt(dat, off)

	// Invalidate any cached blocks the write touched.
	bf.mu.Lock()
	for blockOffset := off - (off % bf.blockSize); blockOffset < off+A(n); blockOffset += bf.blockSize {
		bf.blockCache.Remove(blockOffset)
	}
	bf.mu.Unlock()

	return n, err
}
