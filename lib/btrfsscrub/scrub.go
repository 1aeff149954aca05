// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/slices"
	"github.com/kdave/btrfs-progs-sub004/lib/textui"
)

// ErrNothingToResume is returned by Resume when every persisted
// record is already finished (or there are none).
var ErrNothingToResume = errors.New("nothing to resume")

// Controller drives scrubs of one mounted filesystem.
type Controller struct {
	Kernel   Kernel
	SpoolDir string
	SysfsDir string // root of /sys/fs/<fstype>
}

func NewController(kernel Kernel) *Controller {
	return &Controller{
		Kernel:   kernel,
		SpoolDir: DefaultSpoolDir,
		SysfsDir: DefaultSysfsDir,
	}
}

// StartOptions configures one scrub cycle.
type StartOptions struct {
	Readonly bool
	Force    bool
	Resume   bool

	// Record controls whether progress is persisted to the spool
	// status file.
	Record bool

	IOPrioClass     int
	IOPrioClassData int

	// PollInterval is how often the aggregator polls the workers;
	// zero means the default 5s.
	PollInterval time.Duration
}

// deviceRun is the shared state for one device's worker; the mutex
// covers reads of the progress snapshot (worker-to-aggregator
// hand-off is per-device, there is no global lock).
type deviceRun struct {
	DevID btrfsvol.DeviceID
	End   uint64 // device.used_end

	mu       sync.Mutex
	progress Progress
	stats    Stats
	running  bool
}

// snapshot returns a copy of the device's current state; the
// aggregator never publishes a stale record over a fresher one
// because last_physical is monotone under the mutex.
func (run *deviceRun) snapshot() (Progress, Stats, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, run.stats, run.running
}

func (run *deviceRun) mergeProgress(p Progress) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.running {
		return
	}
	if p.LastPhysical >= run.progress.LastPhysical {
		run.progress = p
	}
}

// Run performs the start (or resume) operation: reject-if-running,
// per-device offset selection, one worker per device, one progress
// aggregator, persisted state across runs.  It blocks until all
// workers return.
func (c *Controller) Run(ctx context.Context, mount string, opts StartOptions) (*StatusFile, error) {
	info, err := c.Kernel.FSInfo(ctx, mount)
	if err != nil {
		return nil, err
	}
	ctx = dlog.WithField(ctx, "btrfs.scrub.fsid", info.FSID)

	// Reject if a scrub is already in-kernel, unless forced; a
	// forced start skips this check and does not consult the
	// persisted status.
	inKernel := false
	for _, devid := range info.DeviceIDs {
		if _, err := c.Kernel.ScrubProgress(ctx, mount, devid); err == nil {
			inKernel = true
			break
		}
	}
	if inKernel && !opts.Force {
		return nil, ErrAlreadyRunning
	}

	persisted, err := ReadStatusFile(c.SpoolDir, info.FSID)
	if err != nil {
		dlog.Warnf(ctx, "could not read status file: %v", err)
		persisted = &StatusFile{}
	}

	now := time.Now().Unix()
	var runs []*deviceRun
	for _, devid := range info.DeviceIDs {
		dev, err := c.Kernel.DevInfo(ctx, mount, devid)
		if err != nil {
			return nil, err
		}
		run := &deviceRun{
			DevID: devid,
			End:   dev.TotalBytes,
		}
		run.stats.TStart = now
		run.running = true

		if old := persisted.Lookup(devid); old != nil {
			resumable := old.Stats.Canceled || !old.Stats.Finished
			switch {
			case opts.Resume && old.Stats.Finished && !old.Stats.Canceled:
				// already done; skip this device
				run.running = false
				run.progress = old.Progress
				run.stats = old.Stats
			case resumable:
				run.progress.LastPhysical = old.Progress.LastPhysical
				run.stats = old.Stats
				run.stats.TResumed = now
				run.stats.Canceled = false
				run.stats.Finished = false
			}
		} else if opts.Resume {
			// nothing persisted for this device; fresh start
		}
		runs = append(runs, run)
	}
	if opts.Resume {
		anyResumable := false
		for _, run := range runs {
			if run.running {
				anyResumable = true
			}
		}
		if !anyResumable {
			return statusFromRuns(info, runs), ErrNothingToResume
		}
	}

	interval := opts.PollInterval
	if interval == 0 {
		interval = textui.Tunable(5 * time.Second)
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		ShutdownOnNonError: false,
	})

	// One worker per device.  The worker sets the IO priority before
	// entering the kernel (it does not touch the sysfs throughput
	// ceiling), then blocks inside the scrub primitive; cancellation is observed
	// in-band by the primitive returning early.
	var workerWG sync.WaitGroup
	for _, run := range runs {
		run := run
		if !run.running {
			continue
		}
		workerWG.Add(1)
		grp.Go(fmt.Sprintf("dev-%d", run.DevID), func(ctx context.Context) error {
			defer workerWG.Done()
			ctx = dlog.WithField(ctx, "btrfs.scrub.dev", run.DevID)
			setIOPrio(ctx, opts.IOPrioClass, opts.IOPrioClassData)

			start := run.progress.LastPhysical
			dlog.Infof(ctx, "scrubbing from physical offset %v", start)
			prog, err := c.Kernel.ScrubStart(ctx, mount, run.DevID, start, ^uint64(0), opts.Readonly)

			run.mu.Lock()
			defer run.mu.Unlock()
			if prog.LastPhysical >= run.progress.LastPhysical {
				run.progress = prog
			}
			run.running = false
			run.stats.Duration += time.Now().Unix() - slices.Max(run.stats.TStart, run.stats.TResumed)
			switch {
			case err == nil:
				run.stats.Finished = true
				run.progress.LastPhysical = run.End
			case errors.Is(err, ErrCanceled):
				run.stats.Canceled = true
				err = nil
			}
			return err
		})
	}

	// One cancel-router: a user interrupt cancels the context;
	// the kernel is told to cancel each device so that the
	// workers' primitive calls return promptly with current
	// progress.
	stopCancelRouter := make(chan struct{})
	grp.Go("cancel-router", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			for _, run := range runs {
				if _, _, running := run.snapshot(); running {
					_ = c.Kernel.ScrubCancel(dlog.WithField(context.Background(), "btrfs.scrub.dev", run.DevID), mount, run.DevID)
				}
			}
		case <-stopCancelRouter:
		}
		return nil
	})

	// One aggregator: polls each worker's progress, merges it
	// under the per-device mutex, publishes to the progress
	// socket, and persists.  It is the only task that is canceled
	// cooperatively rather than joined.
	aggCtx, aggCancel := context.WithCancel(ctx)
	sock, err := c.newProgressSocket(ctx, info)
	if err != nil {
		dlog.Warnf(ctx, "progress socket unavailable: %v", err)
	}
	var aggWG sync.WaitGroup
	aggWG.Add(1)
	go func() {
		defer aggWG.Done()
		c.aggregate(aggCtx, mount, info, runs, sock, interval, opts.Record)
	}()

	workerWG.Wait()
	close(stopCancelRouter)
	aggCancel()
	aggWG.Wait()
	if sock != nil {
		sock.Close()
	}
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.persist(ctx, info, runs, opts.Record)
		return statusFromRuns(info, runs), err
	}

	c.persist(ctx, info, runs, opts.Record)
	return statusFromRuns(info, runs), nil
}

// Cancel sends scrub-cancel to every device of the filesystem.
func (c *Controller) Cancel(ctx context.Context, mount string) error {
	info, err := c.Kernel.FSInfo(ctx, mount)
	if err != nil {
		return err
	}
	any := false
	for _, devid := range info.DeviceIDs {
		err := c.Kernel.ScrubCancel(ctx, mount, devid)
		switch {
		case err == nil:
			any = true
		case errors.Is(err, ErrNotRunning):
			// fine
		default:
			return err
		}
	}
	if !any {
		return ErrNotRunning
	}
	return nil
}

// Status reads the persisted record for each device, falling back to
// querying any running scrub in-kernel.
func (c *Controller) Status(ctx context.Context, mount string) (*StatusFile, error) {
	info, err := c.Kernel.FSInfo(ctx, mount)
	if err != nil {
		return nil, err
	}
	sf, err := ReadStatusFile(c.SpoolDir, info.FSID)
	if err != nil {
		return nil, err
	}
	for _, devid := range info.DeviceIDs {
		if prog, err := c.Kernel.ScrubProgress(ctx, mount, devid); err == nil {
			rec := StatusRecord{FSID: info.FSID, DevID: devid, Progress: prog}
			if old := sf.Lookup(devid); old != nil {
				rec.Stats = old.Stats
			}
			sf.Upsert(rec)
		}
	}
	return sf, nil
}

// ETA estimates completion from (total - scrubbed) / rate.
func ETA(rec StatusRecord, total uint64) (time.Duration, bool) {
	scrubbed := rec.Progress.DataBytesScrubbed + rec.Progress.TreeBytesScrubbed
	if rec.Stats.Duration <= 0 || scrubbed == 0 || total <= scrubbed {
		return 0, false
	}
	rate := float64(scrubbed) / float64(rec.Stats.Duration)
	return time.Duration(float64(total-scrubbed)/rate) * time.Second, true
}

func (c *Controller) persist(ctx context.Context, info FSInfo, runs []*deviceRun, record bool) {
	if !record {
		return
	}
	sf := statusFromRuns(info, runs)
	if err := WriteStatusFile(c.SpoolDir, info.FSID, sf); err != nil {
		dlog.Errorf(ctx, "error: could not persist scrub status: %v", err)
	}
}

// statusFromRuns publishes device records in fixed device-id order.
func statusFromRuns(info FSInfo, runs []*deviceRun) *StatusFile {
	sf := &StatusFile{}
	for _, run := range runs {
		prog, stats, _ := run.snapshot()
		sf.Records = append(sf.Records, StatusRecord{
			FSID:     info.FSID,
			DevID:    run.DevID,
			Progress: prog,
			Stats:    stats,
		})
	}
	return sf
}
