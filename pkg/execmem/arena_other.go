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

//go:build !linux
// +build !linux

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

// mapDualAlias on non-Linux unix platforms skips the memfd dance and always
// uses the single RWX mapping described as the "non-supporting platform"
// fallback in spec.md §4.1.
func mapDualAlias(size int) (execBase, writeBase uintptr, actual uintptr, unmap func() error, err error) {
	sz := roundUpPage(size)
	b, merr := unix.Mmap(-1, 0, int(sz), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if merr != nil {
		return 0, 0, 0, nil, fmt.Errorf("rwx mmap: %w", merr)
	}
	p := uintptr(unsafe.Pointer(&b[0]))
	return p, p, sz, func() error { return unix.Munmap(b) }, nil
}
