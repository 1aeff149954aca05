// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
)

// progressSocket owns the UNIX-domain progress socket; acquisition is
// scoped so that the path is unlinked on every exit path.
type progressSocket struct {
	path     string
	listener *net.UnixListener
}

func (c *Controller) newProgressSocket(ctx context.Context, info FSInfo) (*progressSocket, error) {
	path, err := ProgressSocketPath(c.SpoolDir, info.FSID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.SpoolDir, 0o755); err != nil {
		return nil, err
	}
	// A previous crash may have left the socket behind.
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	dlog.Debugf(ctx, "progress socket at %q", path)
	return &progressSocket{path: path, listener: listener}, nil
}

func (sock *progressSocket) Close() {
	_ = sock.listener.Close()
	_ = os.Remove(sock.path)
}

// serveOnce accepts at most one peer within the deadline and writes
// it one complete status file verbatim, then closes the connection.
func (sock *progressSocket) serveOnce(ctx context.Context, sf *StatusFile, deadline time.Duration) {
	_ = sock.listener.SetDeadline(time.Now().Add(deadline))
	conn, err := sock.listener.Accept()
	if err != nil {
		return // timeout or closed; both fine
	}
	defer conn.Close()
	if err := sf.Serialize(conn); err != nil {
		dlog.Debugf(ctx, "progress peer write: %v", err)
	}
}

// aggregate is the progress-aggregator loop: every interval it polls
// each device for incremental progress, merges it into the shared
// array under the per-device mutex, feeds any live socket peer, and
// persists the snapshot.  Socket writes are not interleaved across
// devices; the aggregator is single-threaded.
func (c *Controller) aggregate(ctx context.Context, mount string, info FSInfo, runs []*deviceRun, sock *progressSocket, interval time.Duration, record bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, run := range runs {
			if _, _, running := run.snapshot(); !running {
				continue
			}
			prog, err := c.Kernel.ScrubProgress(ctx, mount, run.DevID)
			if err != nil {
				continue
			}
			run.mergeProgress(prog)
		}
		snapshot := statusFromRuns(info, runs)
		if record {
			if err := WriteStatusFile(c.SpoolDir, info.FSID, snapshot); err != nil {
				dlog.Debugf(ctx, "status persist: %v", err)
			}
		}
		if sock != nil {
			sock.serveOnce(ctx, snapshot, interval/2)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
