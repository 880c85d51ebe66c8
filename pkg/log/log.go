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

// Package log provides the kernel's leveled logger. Every subsystem logs
// through this package rather than through fmt or the standard log package,
// so that log level and destination can be controlled from one place.
package log

import (
	"github.com/sirupsen/logrus"
)

// std is the package-level logger used by Debugf/Infof/Warningf.
var std = logrus.New()

// SetLevel adjusts the minimum level that will be emitted.
func SetLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(l)
	return nil
}

// Debugf logs at debug level, e.g. thread exit in kernel/proc.
func Debugf(format string, v ...any) {
	std.Debugf(format, v...)
}

// Infof logs at info level.
func Infof(format string, v ...any) {
	std.Infof(format, v...)
}

// Warningf logs at warning level. Recoverable faults and retried operations
// are logged here.
func Warningf(format string, v ...any) {
	std.Warnf(format, v...)
}

// Fatalf logs at fatal level and terminates the process. cmd/ftlctl uses
// it for configuration errors at startup.
func Fatalf(format string, v ...any) {
	std.Fatalf(format, v...)
}
