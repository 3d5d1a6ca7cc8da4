// Copyright 2018 The gVisor Authors.
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

//go:build linux
// +build linux

package execmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 1 << 12

func roundUpPage(n int) uintptr {
	p := uintptr(pageSize)
	return (uintptr(n) + p - 1) &^ (p - 1)
}

// mapDualAlias backs the arena with a memfd so that the same physical pages
// can be mapped once read-execute and once read-write, matching
// u_execmem.c's dual-mapping strategy without needing a second file on disk.
func mapDualAlias(size int) (execBase, writeBase uintptr, actual uintptr, unmap func() error, err error) {
	sz := roundUpPage(size)

	fd, err := unix.MemfdCreate("glvnd-execmem", 0)
	if err != nil {
		return dualAliasFallback(sz)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(sz)); err != nil {
		return dualAliasFallback(sz)
	}

	execBytes, err := unix.Mmap(fd, 0, int(sz), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		return dualAliasFallback(sz)
	}
	writeBytes, err := unix.Mmap(fd, 0, int(sz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(execBytes)
		return dualAliasFallback(sz)
	}

	ep := uintptr(unsafe.Pointer(&execBytes[0]))
	wp := uintptr(unsafe.Pointer(&writeBytes[0]))
	return ep, wp, sz, func() error {
		e1 := unix.Munmap(execBytes)
		e2 := unix.Munmap(writeBytes)
		if e1 != nil {
			return e1
		}
		return e2
	}, nil
}

// dualAliasFallback is used when memfd_create or one of the two mmaps is
// refused by the kernel (old kernel, seccomp filter, container policy). A
// single RWX mapping collapses both aliases onto the same address, matching
// spec.md §4.1's "non-supporting platforms" clause.
func dualAliasFallback(sz uintptr) (execBase, writeBase uintptr, actual uintptr, unmap func() error, err error) {
	b, merr := unix.Mmap(-1, 0, int(sz), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if merr != nil {
		return 0, 0, 0, nil, fmt.Errorf("fallback rwx mmap: %w", merr)
	}
	p := uintptr(unsafe.Pointer(&b[0]))
	return p, p, sz, func() error { return unix.Munmap(b) }, nil
}
