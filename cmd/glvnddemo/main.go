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

// Binary glvnddemo drives pkg/dispatch through the scenarios described in
// spec.md §8, the way runsc's own CLI drives the sentry through OCI
// lifecycle commands: a single subcommands.Commander registering one
// subcommand per operation, a TOML manifest in place of an OCI bundle,
// and a flock-guarded single-instance lock in place of runsc's container
// root-dir lock.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/glvnd-go/dispatch/pkg/glvndlog"
)

var lockPath = flag.String("lock", "", "path to a lock file guarding against concurrent glvnddemo invocations (disabled if empty)")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&scenarioCmd{}, "")
	subcommands.Register(&benchCmd{}, "")

	flag.Parse()

	release, err := acquireSingleInstance(*lockPath)
	if err != nil {
		glvndlog.Warningf("glvnddemo: %v", err)
		os.Exit(1)
	}
	defer release()

	os.Exit(int(subcommands.Execute(context.Background())))
}
