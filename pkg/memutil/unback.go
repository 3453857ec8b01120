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

package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
)

// UnbackFunc makes [addr, addr+length) stop consuming physical memory
// while leaving the virtual mapping in place. It returns false on
// failure, in which case the range remains backed.
//
// Both addr and length must be page-aligned.
type UnbackFunc func(addr, length uintptr) bool

// MadviseDontneed unbacks anonymous memory with MADV_DONTNEED. This is
// the default unback primitive for anonymous arenas.
func MadviseDontneed(addr, length uintptr) bool {
	_, _, errno := unix.RawSyscall(unix.SYS_MADVISE, addr, length, uintptr(unix.MADV_DONTNEED))
	if errno != 0 {
		log.Warningf("Failed to madvise(MADV_DONTNEED) [%#x, %#x): %v", addr, addr+length, errno)
		return false
	}
	return true
}

// FileUnbacker returns an UnbackFunc for arenas mapped MAP_SHARED from
// fd at base. Unbacking punches a hole in the backing file, so
// subsequent reads return zeroes while the mapping stays reservable.
func FileUnbacker(fd int, base uintptr) UnbackFunc {
	return func(addr, length uintptr) bool {
		// "After a successful call, subsequent reads from this range will
		// return zeroes. The FALLOC_FL_PUNCH_HOLE flag must be ORed with
		// FALLOC_FL_KEEP_SIZE in mode ..." - fallocate(2)
		err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(addr-base), int64(length))
		if err != nil {
			log.Warningf("Failed to decommit [%#x, %#x): %v", addr, addr+length, err)
			return false
		}
		return true
	}
}

// CreateMemFD creates a memfd file of the given size and returns its
// fd, for use with FileUnbacker and MapFile.
func CreateMemFD(name string, size int64) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ftruncate memfd %q to %d bytes: %w", name, size, err)
	}
	return fd, nil
}
