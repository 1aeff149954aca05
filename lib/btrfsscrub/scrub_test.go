// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// fakeDevice simulates the kernel's per-device scrub state.
type fakeDevice struct {
	total uint64

	mu       sync.Mutex
	running  bool
	canceled bool
	last     uint64
}

// fakeKernel simulates the kernel driver: ScrubStart advances
// last_physical in steps until done or canceled.
type fakeKernel struct {
	info FSInfo

	devs map[btrfsvol.DeviceID]*fakeDevice

	// step is how many bytes one tick of simulated scrubbing
	// covers.
	step uint64
	// tick is how long one step takes.
	tick time.Duration
}

var _ Kernel = (*fakeKernel)(nil)

func newFakeKernel(perDevTotal uint64, step uint64) *fakeKernel {
	k := &fakeKernel{
		info: FSInfo{
			FSID:       testFSID,
			NumDevices: 2,
			DeviceIDs:  []btrfsvol.DeviceID{1, 2},
		},
		devs: map[btrfsvol.DeviceID]*fakeDevice{
			1: {total: perDevTotal},
			2: {total: perDevTotal},
		},
		step: step,
		tick: time.Millisecond,
	}
	return k
}

func (k *fakeKernel) FSInfo(context.Context, string) (FSInfo, error) {
	return k.info, nil
}

func (k *fakeKernel) DevInfo(_ context.Context, _ string, devid btrfsvol.DeviceID) (DevInfo, error) {
	dev := k.devs[devid]
	return DevInfo{ID: devid, TotalBytes: dev.total, BytesUsed: dev.total}, nil
}

func (k *fakeKernel) SpaceInfo(context.Context, string) ([]SpaceInfo, error) {
	var total uint64
	for _, dev := range k.devs {
		total += dev.total
	}
	return []SpaceInfo{{TotalBytes: total, UsedBytes: total}}, nil
}

func (k *fakeKernel) ScrubStart(ctx context.Context, _ string, devid btrfsvol.DeviceID, startPhysical, _ uint64, _ bool) (Progress, error) {
	dev := k.devs[devid]

	dev.mu.Lock()
	if dev.running {
		dev.mu.Unlock()
		return Progress{}, ErrAlreadyRunning
	}
	dev.running = true
	dev.canceled = false
	dev.last = startPhysical
	dev.mu.Unlock()

	for {
		time.Sleep(k.tick)
		dev.mu.Lock()
		if dev.canceled {
			dev.running = false
			prog := Progress{LastPhysical: dev.last, DataBytesScrubbed: dev.last}
			dev.mu.Unlock()
			return prog, ErrCanceled
		}
		dev.last += k.step
		if dev.last >= dev.total {
			dev.last = dev.total
			dev.running = false
			prog := Progress{LastPhysical: dev.last, DataBytesScrubbed: dev.last}
			dev.mu.Unlock()
			return prog, nil
		}
		dev.mu.Unlock()
	}
}

func (k *fakeKernel) ScrubProgress(_ context.Context, _ string, devid btrfsvol.DeviceID) (Progress, error) {
	dev := k.devs[devid]
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.running {
		return Progress{}, ErrNotRunning
	}
	return Progress{LastPhysical: dev.last, DataBytesScrubbed: dev.last}, nil
}

func (k *fakeKernel) ScrubCancel(_ context.Context, _ string, devid btrfsvol.DeviceID) error {
	dev := k.devs[devid]
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.running {
		return ErrNotRunning
	}
	dev.canceled = true
	return nil
}

func newTestController(t *testing.T, kernel Kernel) *Controller {
	t.Helper()
	return &Controller{
		Kernel:   kernel,
		SpoolDir: t.TempDir(),
		SysfsDir: t.TempDir(),
	}
}

func TestScrubRunToCompletion(t *testing.T) {
	t.Parallel()
	kernel := newFakeKernel(1<<20, 1<<18)
	ctrl := newTestController(t, kernel)

	sf, err := ctrl.Run(context.Background(), "/mnt", StartOptions{
		Record:       true,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, sf.Records, 2)
	for _, rec := range sf.Records {
		assert.True(t, rec.Stats.Finished, "dev %v", rec.DevID)
		assert.False(t, rec.Stats.Canceled, "dev %v", rec.DevID)
		assert.Equal(t, uint64(1<<20), rec.Progress.LastPhysical, "dev %v", rec.DevID)
	}

	// The run persisted its final state.
	persisted, err := ReadStatusFile(ctrl.SpoolDir, testFSID)
	require.NoError(t, err)
	assert.Equal(t, sf.Records, persisted.Records)
}

func TestScrubCancelAndResume(t *testing.T) {
	t.Parallel()
	kernel := newFakeKernel(1<<30, 1<<12) // slow enough to outlive the cancel
	ctrl := newTestController(t, kernel)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var sf *StatusFile
	var runErr error
	go func() {
		defer wg.Done()
		sf, runErr = ctrl.Run(ctx, "/mnt", StartOptions{
			Record:       true,
			PollInterval: 5 * time.Millisecond,
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()
	require.NoError(t, runErr)
	require.Len(t, sf.Records, 2)
	for _, rec := range sf.Records {
		assert.True(t, rec.Stats.Canceled, "dev %v", rec.DevID)
		assert.False(t, rec.Stats.Finished, "dev %v", rec.DevID)
		assert.Greater(t, rec.Progress.LastPhysical, uint64(0), "dev %v", rec.DevID)
	}
	canceledAt := map[btrfsvol.DeviceID]uint64{}
	for _, rec := range sf.Records {
		canceledAt[rec.DevID] = rec.Progress.LastPhysical
	}

	// Resume: workers restart from each device's persisted
	// last_physical and run to the end.
	kernel.step = 1 << 28
	sf, err := ctrl.Run(context.Background(), "/mnt", StartOptions{
		Resume:       true,
		Record:       true,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	for _, rec := range sf.Records {
		assert.True(t, rec.Stats.Finished, "dev %v", rec.DevID)
		assert.Equal(t, uint64(1<<30), rec.Progress.LastPhysical, "dev %v", rec.DevID)
		assert.GreaterOrEqual(t, rec.Progress.LastPhysical, canceledAt[rec.DevID], "dev %v", rec.DevID)
	}

	// Nothing left to resume.
	_, err = ctrl.Run(context.Background(), "/mnt", StartOptions{
		Resume:       true,
		Record:       true,
		PollInterval: 5 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestScrubRejectsSecondStart(t *testing.T) {
	t.Parallel()
	kernel := newFakeKernel(1<<30, 1<<12)
	ctrl := newTestController(t, kernel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = ctrl.Run(ctx, "/mnt", StartOptions{PollInterval: 5 * time.Millisecond})
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := ctrl.Run(context.Background(), "/mnt", StartOptions{PollInterval: 5 * time.Millisecond})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	wg.Wait()
}

func TestScrubCancelOp(t *testing.T) {
	t.Parallel()
	kernel := newFakeKernel(1<<30, 1<<12)
	ctrl := newTestController(t, kernel)

	// Nothing running yet.
	assert.ErrorIs(t, ctrl.Cancel(context.Background(), "/mnt"), ErrNotRunning)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = ctrl.Run(context.Background(), "/mnt", StartOptions{PollInterval: 5 * time.Millisecond})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, ctrl.Cancel(context.Background(), "/mnt"))
	wg.Wait()
}

func TestScrubLastPhysicalMonotone(t *testing.T) {
	t.Parallel()
	run := &deviceRun{DevID: 1, running: true}
	run.mergeProgress(Progress{LastPhysical: 100})
	run.mergeProgress(Progress{LastPhysical: 50}) // stale poll
	prog, _, _ := run.snapshot()
	assert.Equal(t, uint64(100), prog.LastPhysical)
}
