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

// Package staleness compares live file times against bootstamp times and
// answers which categories of content are out of date on a volume.
package staleness

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mendersoftware/bootcachesd/bootcaches"
)

// Report summarizes which content classes are stale on a volume.
type Report struct {
	Any     bool
	RPS     bool
	Booters bool
	Misc    bool
}

// CheckStale stats root/cp.RPath and root/cp.TSPath. A missing source is
// not stale and not an error. Otherwise it captures the source's
// access/modification times into cp (required later for the bootstamp
// commit even when the path turns out not to be stale) and reports stale
// whenever the bootstamp is missing or its modification time (seconds and
// nanoseconds) differs from the source's.
func CheckStale(cp *bootcaches.CachedPath, root string) (bool, error) {
	srcPath := filepath.Join(root, cp.RPath)

	var srcStat unix.Stat_t
	if err := unix.Stat(srcPath, &srcStat); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "staleness: stat source %s", srcPath)
	}

	cp.ModTime = time.Unix(srcStat.Mtim.Sec, srcStat.Mtim.Nsec)
	cp.AccessTime = time.Unix(srcStat.Atim.Sec, srcStat.Atim.Nsec)

	tsPath := filepath.Join(root, cp.TSPath)
	var tsStat unix.Stat_t
	if err := unix.Stat(tsPath, &tsStat); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.Wrapf(err, "staleness: stat bootstamp %s", tsPath)
	}

	tsModTime := time.Unix(tsStat.Mtim.Sec, tsStat.Mtim.Nsec)
	return !tsModTime.Equal(cp.ModTime), nil
}

// Assess iterates every RPS, booter, and misc path in bc, capturing
// timestamps as a side effect of CheckStale even once a given category is
// already known stale (the captured timestamps are needed later to commit
// bootstamps on success).
func Assess(bc *bootcaches.BootCaches, root string) (Report, error) {
	var rep Report

	for _, cp := range bc.RPS {
		stale, err := CheckStale(cp, root)
		if err != nil {
			return rep, err
		}
		if stale {
			rep.RPS = true
		}
	}

	for _, cp := range []*bootcaches.CachedPath{bc.EFIBooter, bc.OFBooter} {
		if cp == nil {
			continue
		}
		stale, err := CheckStale(cp, root)
		if err != nil {
			return rep, err
		}
		if stale {
			rep.Booters = true
		}
	}

	for _, cp := range bc.Misc {
		stale, err := CheckStale(cp, root)
		if err != nil {
			return rep, err
		}
		if stale {
			rep.Misc = true
		}
	}

	rep.Any = rep.RPS || rep.Booters || rep.Misc
	return rep, nil
}

// NeedsMKextRebuild reports whether the external cache builder should run:
// true whenever the mkext's modification time is not exactly one second
// past the extensions directory's modification time, the convention the
// external builder establishes, or whenever the mkext is simply absent.
func NeedsMKextRebuild(bc *bootcaches.BootCaches) (bool, error) {
	if bc.MKext == nil || bc.ExtensionsDir == "" {
		return false, nil
	}

	extInfo, err := os.Stat(filepath.Join(bc.Root, bc.ExtensionsDir))
	if err != nil {
		return false, errors.Wrapf(err, "staleness: stat extensions dir %s", bc.ExtensionsDir)
	}

	mkextInfo, err := os.Stat(filepath.Join(bc.Root, bc.MKext.RPath))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.Wrapf(err, "staleness: stat mkext %s", bc.MKext.RPath)
	}

	expected := extInfo.ModTime().Add(time.Second)
	return !mkextInfo.ModTime().Equal(expected), nil
}
