// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

package btrfsscrub

import (
	"context"
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
)

// LinuxKernel speaks the btrfs ioctls against a mount point.
type LinuxKernel struct{}

var _ Kernel = LinuxKernel{}

// DefaultKernel returns the platform's control channel.
func DefaultKernel() Kernel { return LinuxKernel{} }

const (
	ioctlMagic = 0x94

	scrubArgsSize   = 1024
	fsInfoArgsSize  = 1024
	devInfoArgsSize = 4096

	// _IOC(dir, type, nr, size)
	iocWrite = 1
	iocRead  = 2

	scrubFlagReadonly = 1
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | ioctlMagic<<8 | nr
}

var (
	iocScrub         = ioc(iocWrite|iocRead, 27, scrubArgsSize)
	iocScrubCancel   = ioc(0, 28, 0)
	iocScrubProgress = ioc(iocWrite|iocRead, 29, scrubArgsSize)
	iocDevInfo       = ioc(iocWrite|iocRead, 30, devInfoArgsSize)
	iocFSInfo        = ioc(iocRead, 31, fsInfoArgsSize)
)

func openMount(mount string) (*os.File, error) {
	return os.OpenFile(mount, os.O_RDONLY|unix.O_DIRECTORY, 0)
}

func doIoctl(fh *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fh.Fd(), req, uintptr(arg))
	if errno != 0 {
		return mapErrno(errno)
	}
	return nil
}

// mapErrno translates the kernel's errnos into the package
// sentinels; everything else passes through unchanged.
func mapErrno(errno unix.Errno) error {
	switch errno {
	case unix.EINPROGRESS:
		return ErrAlreadyRunning
	case unix.ENOTCONN:
		return ErrNotRunning
	case unix.ECANCELED:
		return ErrCanceled
	default:
		return errno
	}
}

func progressFromBytes(dat []byte) Progress {
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(dat[i*8:]) }
	return Progress{
		DataExtentsScrubbed: u(0),
		TreeExtentsScrubbed: u(1),
		DataBytesScrubbed:   u(2),
		TreeBytesScrubbed:   u(3),
		ReadErrors:          u(4),
		CSumErrors:          u(5),
		VerifyErrors:        u(6),
		NoCSum:              u(7),
		CSumDiscards:        u(8),
		SuperErrors:         u(9),
		MallocErrors:        u(10),
		Uncorrectable:       u(11),
		Corrected:           u(12),
		LastPhysical:        u(13),
		Unverified:          u(14),
	}
}

// scrub args layout: devid, start, end, flags, then the progress
// block, padded to 1024 bytes.
func scrubArgs(devid btrfsvol.DeviceID, start, end uint64, flags uint64) []byte {
	buf := make([]byte, scrubArgsSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(devid))
	binary.LittleEndian.PutUint64(buf[8:], start)
	binary.LittleEndian.PutUint64(buf[16:], end)
	binary.LittleEndian.PutUint64(buf[24:], flags)
	return buf
}

func (LinuxKernel) ScrubStart(ctx context.Context, mount string, devid btrfsvol.DeviceID, startPhysical, endPhysical uint64, readonly bool) (Progress, error) {
	fh, err := openMount(mount)
	if err != nil {
		return Progress{}, err
	}
	defer fh.Close()

	var flags uint64
	if readonly {
		flags |= scrubFlagReadonly
	}
	buf := scrubArgs(devid, startPhysical, endPhysical, flags)
	err = doIoctl(fh, iocScrub, unsafe.Pointer(&buf[0]))
	prog := progressFromBytes(buf[32:])
	return prog, err
}

func (LinuxKernel) ScrubProgress(ctx context.Context, mount string, devid btrfsvol.DeviceID) (Progress, error) {
	fh, err := openMount(mount)
	if err != nil {
		return Progress{}, err
	}
	defer fh.Close()

	buf := scrubArgs(devid, 0, 0, 0)
	err = doIoctl(fh, iocScrubProgress, unsafe.Pointer(&buf[0]))
	return progressFromBytes(buf[32:]), err
}

func (LinuxKernel) ScrubCancel(ctx context.Context, mount string, devid btrfsvol.DeviceID) error {
	fh, err := openMount(mount)
	if err != nil {
		return err
	}
	defer fh.Close()
	return doIoctl(fh, iocScrubCancel, nil)
}

func (LinuxKernel) FSInfo(ctx context.Context, mount string) (FSInfo, error) {
	fh, err := openMount(mount)
	if err != nil {
		return FSInfo{}, err
	}
	defer fh.Close()

	buf := make([]byte, fsInfoArgsSize)
	if err := doIoctl(fh, iocFSInfo, unsafe.Pointer(&buf[0])); err != nil {
		return FSInfo{}, err
	}
	maxID := binary.LittleEndian.Uint64(buf[0:])
	ret := FSInfo{
		NumDevices: binary.LittleEndian.Uint64(buf[8:]),
	}
	copy(ret.FSID[:], buf[16:32])

	// The device ids are not necessarily dense; probe them.
	for devid := uint64(1); devid <= maxID && uint64(len(ret.DeviceIDs)) < ret.NumDevices; devid++ {
		if _, err := (LinuxKernel{}).DevInfo(ctx, mount, btrfsvol.DeviceID(devid)); err != nil {
			if err == unix.ENODEV {
				continue
			}
			return ret, err
		}
		ret.DeviceIDs = append(ret.DeviceIDs, btrfsvol.DeviceID(devid))
	}
	return ret, nil
}

func (LinuxKernel) DevInfo(ctx context.Context, mount string, devid btrfsvol.DeviceID) (DevInfo, error) {
	fh, err := openMount(mount)
	if err != nil {
		return DevInfo{}, err
	}
	defer fh.Close()

	buf := make([]byte, devInfoArgsSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(devid))
	if err := doIoctl(fh, iocDevInfo, unsafe.Pointer(&buf[0])); err != nil {
		return DevInfo{}, err
	}
	ret := DevInfo{
		ID:         btrfsvol.DeviceID(binary.LittleEndian.Uint64(buf[0:])),
		BytesUsed:  binary.LittleEndian.Uint64(buf[24:]),
		TotalBytes: binary.LittleEndian.Uint64(buf[32:]),
	}
	pathOff := devInfoArgsSize - 1024
	end := pathOff
	for end < devInfoArgsSize && buf[end] != 0 {
		end++
	}
	ret.Path = string(buf[pathOff:end])
	return ret, nil
}

func (LinuxKernel) SpaceInfo(ctx context.Context, mount string) ([]SpaceInfo, error) {
	fh, err := openMount(mount)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var statfs unix.Statfs_t
	if err := unix.Fstatfs(int(fh.Fd()), &statfs); err != nil {
		return nil, err
	}
	bsize := uint64(statfs.Bsize)
	return []SpaceInfo{{
		TotalBytes: statfs.Blocks * bsize,
		UsedBytes:  (statfs.Blocks - statfs.Bfree) * bsize,
	}}, nil
}
