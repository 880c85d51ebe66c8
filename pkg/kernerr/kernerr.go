// Copyright 2019 The gVisor Authors.
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

// Package kernerr defines the kernel's closed error taxonomy and its
// translation to negative syscall return codes. Kinds are comparable
// sentinel values, in the style of gVisor's linuxerr package, rather
// than a wrapped-error hierarchy: syscall handlers compare a returned
// error against these sentinels with ==, not errors.Is, to keep the
// hot syscall-return path allocation-free.
package kernerr

import "golang.org/x/sys/unix"

// Kind is a member of the closed kernel error taxonomy.
type Kind struct {
	name  string
	errno unix.Errno
}

// Error implements error.
func (k *Kind) Error() string { return k.name }

// Errno returns the negative syscall return value for k.
func (k *Kind) Errno() int64 { return -int64(k.errno) }

// The closed taxonomy. No other Kind values may be constructed outside
// this package: callers compare against these exact pointers.
var (
	InvalidArgument  = &Kind{"invalid argument", unix.EINVAL}
	OutOfMemory      = &Kind{"out of memory", unix.ENOMEM}
	WouldBlock       = &Kind{"would block", unix.EAGAIN}
	Interrupted      = &Kind{"interrupted", unix.EINTR}
	BadAddress       = &Kind{"bad address", unix.EFAULT}
	PermissionDenied = &Kind{"permission denied", unix.EACCES}
	NotFound         = &Kind{"not found", unix.ENOENT}
	AlreadyExists    = &Kind{"already exists", unix.EEXIST}
	NotADirectory    = &Kind{"not a directory", unix.ENOTDIR}
	NotSupported     = &Kind{"not supported", unix.ENOSYS}
)

// ToErrno translates err, which must be nil or one of the Kind values
// above, to a syscall return code: 0 on success, or the negative errno.
func ToErrno(err error) int64 {
	if err == nil {
		return 0
	}
	if k, ok := err.(*Kind); ok {
		return k.Errno()
	}
		// A non-taxonomy error reaching the syscall boundary is a bug in the
		// calling handler, not a recoverable condition; translate it to EIO
		// rather than panicking, consistent with the convention that every
		// syscall handler returns an errno-style negative value on failure.
		return -int64(unix.EIO)
}
