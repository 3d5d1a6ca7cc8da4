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

// Package glvndlog is the diagnostic sink used throughout the dispatch
// runtime. It mirrors the printf-style, severity-leveled call surface the
// rest of the corpus builds on top of pkg/log, backed here by logrus.
package glvndlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the global verbosity. Vendors embedding this runtime in
// a larger windowing layer may want Debug or Trace during bring-up.
func SetLevel(level logrus.Level) {
	std.SetLevel(level)
}

// Tracef logs at trace level: per-call-site dispatch chatter.
func Tracef(format string, args ...any) { std.Tracef(format, args...) }

// Debugf logs at debug level: registry/table lifecycle events.
func Debugf(format string, args ...any) { std.Debugf(format, args...) }

// Infof logs at info level: patch ownership transitions, init/finalize.
func Infof(format string, args ...any) { std.Infof(format, args...) }

// Warningf logs at warning level: recoverable contract violations.
func Warningf(format string, args ...any) { std.Warningf(format, args...) }
