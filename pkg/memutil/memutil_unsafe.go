// Copyright 2024 The TCMalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memutil provides the OS memory primitives consumed by the
// huge page filler and regions: arena mappings and the unback
// operations that return unused pages to the kernel.
package memutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapFile returns a memory mapping configured by the given options as
// for mmap(2).
func MapFile(addr, size, prot, flags, fd, offset uintptr) (uintptr, error) {
	m, _, errno := unix.RawSyscall6(unix.SYS_MMAP, addr, size, prot, flags, fd, offset)
	if errno != 0 {
		return 0, errno
	}
	return m, nil
}

// MapSlice is like MapFile, but returns a slice instead of a uintptr.
func MapSlice(addr, size, prot, flags, fd, offset uintptr) ([]byte, error) {
	addr, err := MapFile(addr, size, prot, flags, fd, offset)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// UnmapSlice unmaps a mapping returned by MapSlice.
func UnmapSlice(slice []byte) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(unsafe.SliceData(slice))), uintptr(cap(slice)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// MapAlignedPrivateAnon returns a memory mapping configured by the
// given options. MAP_PRIVATE and MAP_ANONYMOUS are implicitly added to
// flags. If MapAlignedPrivateAnon succeeds, the returned address is an
// integer multiple of align.
//
// Preconditions: align must be a power of two multiple of the page
// size.
func MapAlignedPrivateAnon(size, align, prot, flags uintptr) (uintptr, error) {
	sizePadded := size + align
	if sizePadded < size {
		return 0, unix.ENOMEM
	}
	m, _, errno := unix.RawSyscall6(unix.SYS_MMAP, 0, sizePadded, prot, uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)|flags, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	mask := align - 1
	mAligned := (m + mask) &^ mask
	padHead := mAligned - m
	if padHead != 0 {
		unix.RawSyscall(unix.SYS_MUNMAP, m, padHead, 0)
	}
	padTail := align - padHead
	if padTail != 0 {
		unix.RawSyscall(unix.SYS_MUNMAP, mAligned+size, padTail, 0)
	}
	return mAligned, nil
}
