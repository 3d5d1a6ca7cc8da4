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

import (
	"os"

	"github.com/glvnd-go/dispatch/pkg/glvndlog"
)

// abortFunc is the process-abort hook spec.md §4.7 / §7 describes for
// __GLVND_ABORT_ON_APP_ERROR. It is a package variable, not a direct
// os.Exit call, so tests can substitute it and observe that the abort
// path was taken without actually killing the test binary — the same
// seam original_source/src/util/app_error_check.c leaves around abort(3)
// by gating it behind the enabled flag rather than calling it
// unconditionally.
var abortFunc = func() { os.Exit(134) }

// reportAmbientFault implements spec.md §4.7: the sole consequence of
// calling an entrypoint with no current thread-state or no assigned slot.
// By default it is silent. With __GLVND_APP_ERROR_CHECKING set it logs a
// diagnostic, throttled by faultLimiter so a caller spinning on a
// no-current-context entrypoint (spec.md §8 S5) floods the log at most
// once per faultLogInterval rather than once per call; with
// __GLVND_ABORT_ON_APP_ERROR also set it aborts the process regardless of
// whether this particular call was the one that got logged.
func (c *Controller) reportAmbientFault(name string) {
	if !c.cfg.AppErrorChecking {
		return
	}
	if c.faultLimiter.Allow() {
		glvndlog.Warningf("dispatch: application error: %s called with no current context", name)
	}
	if c.cfg.AbortOnAppError {
		abortFunc()
	}
}
