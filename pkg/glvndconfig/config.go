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

// Package glvndconfig centralizes the environment-variable flags that
// control the dispatch runtime, the way runsc/config centralizes runsc's
// command-line flags into a single struct constructed once at startup.
package glvndconfig

import "os"

// Config is the resolved set of §6 "Environment variables" flags.
type Config struct {
	// DisallowPatching corresponds to __GLVND_DISALLOW_PATCHING: when true,
	// patch arbitration (spec.md §4.5) never transitions out of Unowned.
	DisallowPatching bool

	// AppErrorChecking corresponds to __GLVND_APP_ERROR_CHECKING: when
	// true, the no-op fallback table reports ambient faults (spec.md §4.7)
	// and, per spec.md §4.5, patching is implicitly disabled because it
	// would skip the indirect-dispatch path the checker depends on.
	AppErrorChecking bool

	// AbortOnAppError corresponds to __GLVND_ABORT_ON_APP_ERROR: when
	// true (and AppErrorChecking is set), every ambient-fault report aborts
	// the process, whether or not the rate-limited log line was emitted
	// for that particular fault.
	AbortOnAppError bool
}

const (
	envDisallowPatching = "__GLVND_DISALLOW_PATCHING"
	envAppErrorChecking = "__GLVND_APP_ERROR_CHECKING"
	envAbortOnAppError  = "__GLVND_ABORT_ON_APP_ERROR"
)

// FromEnv resolves a Config from the process environment, applying the
// implicit rule in spec.md §4.5: app-error-checking forces patching off
// regardless of what __GLVND_DISALLOW_PATCHING says.
func FromEnv() Config {
	c := Config{
		DisallowPatching: nonZero(os.Getenv(envDisallowPatching)),
		AppErrorChecking: nonZero(os.Getenv(envAppErrorChecking)),
		AbortOnAppError:  nonZero(os.Getenv(envAbortOnAppError)),
	}
	if c.AppErrorChecking {
		c.DisallowPatching = true
	}
	return c
}

func nonZero(s string) bool {
	return s != "" && s != "0"
}

// PatchingAllowed reports whether spec.md §4.5's first two preconditions
// (env flags) permit patch arbitration to proceed: patching must not be
// explicitly disallowed, and the ambient-fault checker must not be
// enabled ("because patching skips the indirect dispatch that hosts the
// check"). FromEnv already folds AppErrorChecking into DisallowPatching,
// but this checks both fields directly so the invariant holds for any
// Config value, not just ones built by FromEnv. The third precondition
// (no other thread currently holding a context) is evaluated by the
// controller, which owns the current-context counter.
func (c Config) PatchingAllowed() bool {
	return !c.DisallowPatching && !c.AppErrorChecking
}
