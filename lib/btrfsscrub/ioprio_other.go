// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package btrfsscrub

import (
	"context"
)

func setIOPrio(ctx context.Context, class, classdata int) {}
