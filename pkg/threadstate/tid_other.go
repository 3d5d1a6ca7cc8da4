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

package threadstate

import "os"

// CurrentOSThreadID falls back to the process id on platforms where
// golang.org/x/sys/unix has no Gettid. Combined with
// runtime.LockOSThread, multithreaded scenarios are only meaningfully
// distinguished on Linux; spec.md's GLX target is Linux/X11-specific
// anyway.
func CurrentOSThreadID() int {
	return os.Getpid()
}
