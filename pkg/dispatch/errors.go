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

package dispatch

import "errors"

// Sentinel errors for the "contract violation by caller" taxonomy in
// spec.md §7. Callers compare with errors.Is; in debug builds (see
// debugAssertions) these violations trigger a panic instead of being returned, so
// tests can assert on the caller-misuse path without a separate build.
var (
	// ErrAlreadyCurrent is returned by MakeCurrent when the calling thread
	// already has a current thread-state (spec.md §4.6 step 1).
	ErrAlreadyCurrent = errors.New("dispatch: thread already has a current context")

	// ErrNoGetProc is returned by CreateTable when getProc is nil
	// (spec.md §6: "get_proc may not be null").
	ErrNoGetProc = errors.New("dispatch: table requires a non-nil GetProc callback")

	// ErrUnknownProvider is returned by UnregisterStubProvider for an id
	// that is not currently registered.
	ErrUnknownProvider = errors.New("dispatch: unknown stub provider id")

	// ErrVendorMismatch is returned by MakeCurrent when the stubs are
	// currently patched by a vendor other than the caller (spec.md §4.6
	// step 3).
	ErrVendorMismatch = errors.New("dispatch: current patch owner does not match vendor")

	// ErrArenaExhausted is returned when a stub provider cannot synthesize
	// a dynamic stub because its backing exec arena has no room left
	// (spec.md §7 "Allocation failure").
	ErrArenaExhausted = errors.New("dispatch: exec arena exhausted")

	// ErrSlotLimitReached is returned by GetProcAddress when the dynamic
	// slot registry is already at its configured maximum (spec.md §3:
	// "D bounded by a configured maximum").
	ErrSlotLimitReached = errors.New("dispatch: dynamic slot limit reached")

	// ErrNotCurrent is returned by LoseCurrent/SetDispatch when the
	// calling thread has no current context to operate on.
	ErrNotCurrent = errors.New("dispatch: thread has no current context")

	// ErrVendorMismatchSetDispatch is returned by SetDispatch when asked
	// to switch to a table owned by a different vendor than the one
	// currently current on this thread (spec.md §6: "within the same
	// vendor only").
	ErrVendorMismatchSetDispatch = errors.New("dispatch: SetDispatch may not change vendor")
)

// debugAssertions toggles the "debug build" assertion panics spec.md §7
// describes for contract violations. It defaults to false so library
// consumers get plain error returns; tests that want to exercise the
// assertion path flip it with SetDebugAssertions.
var debugAssertions = false

// SetDebugAssertions enables or disables panic-on-contract-violation,
// mirroring the debug/release split spec.md §7 calls for without needing
// a separate build tag (gvisor conditions similar invariants on runtime
// toggles rather than build tags for the same testability reason).
func SetDebugAssertions(v bool) { debugAssertions = v }

func assertOrError(cond bool, msg string, err error) error {
	if cond {
		return nil
	}
	if debugAssertions {
		panic(msg)
	}
	return err
}
