// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package slices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

func Contains[T comparable](needle T, haystack []T) bool {
	for _, straw := range haystack {
		if needle == straw {
			return true
		}
	}
	return false
}

func Reverse[T any](slice []T) {
	for i := 0; i < len(slice)/2; i++ {
		j := (len(slice) - 1) - i
		slice[i], slice[j] = slice[j], slice[i]
	}
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Sort[T constraints.Ordered](slice []T) {
	sort.Slice(slice, func(i, j int) bool {
		return slice[i] < slice[j]
	})
}

// Search the slice for a value for which `fn(slice[i]) = 0`.
//
//	: + + + 0 0 0 - - -
//	:       ^ ^ ^
//	:       any of
func Search[T any](slice []T, fn func(T) int) (int, bool) {
	beg, end := 0, len(slice)
	for beg < end {
		midpoint := (beg + end) / 2
		direction := fn(slice[midpoint])
		switch {
		case direction < 0:
			end = midpoint
		case direction > 0:
			beg = midpoint + 1
		case direction == 0:
			return midpoint, true
		}
	}
	return 0, false
}

// SearchLowest searches the slice for the lowest value for which
// `fn(slice[i]) = 0`.
//
//	: + + + 0 0 0 - - -
//	:       ^
func SearchLowest[T any](slice []T, fn func(T) int) (int, bool) {
	lastBad := sort.Search(len(slice), func(i int) bool {
		return fn(slice[i]) >= 0
	})
	if lastBad == len(slice) || fn(slice[lastBad]) != 0 {
		return 0, false
	}
	return lastBad, true
}

// SearchHighest searches the slice for the highest value for which
// `fn(slice[i]) = 0`.
//
//	: + + + 0 0 0 - - -
//	:           ^
func SearchHighest[T any](slice []T, fn func(T) int) (int, bool) {
	firstBad := sort.Search(len(slice), func(i int) bool {
		return fn(slice[i]) < 0
	})
	if firstBad == 0 || fn(slice[firstBad-1]) != 0 {
		return 0, false
	}
	return firstBad - 1, true
}
