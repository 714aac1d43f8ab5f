// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package bootcaches

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CommitBootstamps writes a zero-length bootstamp file for every CachedPath
// in paths, with its atime/mtime set to the timestamps StalenessOracle
// captured during the assessment that led to this commit. It is called only
// after every helper succeeds (spec.md §4.1 "Bootstamp commit"): bootstamps
// are the durable record that a category was mirrored as of those
// timestamps.
func (b *BootCaches) CommitBootstamps(paths []*CachedPath) error {
	for _, cp := range paths {
		if err := b.commitOne(cp); err != nil {
			return errors.Wrapf(err, "bootcaches: committing bootstamp for %s", cp.RPath)
		}
	}
	return nil
}

func (b *BootCaches) commitOne(cp *CachedPath) error {
	tsPath := filepath.Join(b.Root, cp.TSPath)
	if err := b.Scope.Unlink(tsPath); err != nil {
		return err
	}
	f, err := b.Scope.Open(tsPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	ts := []unix.Timespec{
		unix.NsecToTimespec(cp.AccessTime.UnixNano()),
		unix.NsecToTimespec(cp.ModTime.UnixNano()),
	}
	// utimensat with an empty path and AT_EMPTY_PATH applies the times to
	// the open descriptor itself, the fd-based equivalent of futimens(2).
	return unix.UtimesNanoAt(int(f.Fd()), "", ts, unix.AT_EMPTY_PATH)
}
