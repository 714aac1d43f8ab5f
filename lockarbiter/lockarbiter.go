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

// Package lockarbiter hands out and revokes the two lock scopes a rebuild
// needs: a per-volume exclusive lock held by the client driving an update,
// and a process-wide reboot lock that only one caller may hold and only
// when no volume is mid-update. Both lock scopes, and the client-crash
// detection that releases a per-volume lock early, run on the single
// control-thread event loop that owns every other piece of daemon state
// (github.com/mendersoftware/bootcachesd/volumewatch.Controller.Run);
// Arbiter's methods are plain synchronous calls from that loop, not a
// concurrent lock service.
package lockarbiter

import (
	"github.com/pkg/errors"
)

// ErrBusy means the requested lock is already held by someone else, or the
// reboot lock is held and blocks a per-volume request.
var ErrBusy = errors.New("lockarbiter: busy")

// ErrNotHeld means a release was attempted by an endpoint that does not
// hold the lock it is trying to release.
var ErrNotHeld = errors.New("lockarbiter: lock not held by this endpoint")

// ErrRebootBlocked means the reboot lock cannot be granted because some
// volume still has an active lock or pending work.
var ErrRebootBlocked = errors.New("lockarbiter: a volume is still busy")

// Endpoint is the IPC surface's communication endpoint: the caller holding
// a lock. Notify registers invalidated to run if the endpoint dies before
// releasing -- the crash-release path (spec.md §4.6, §8 scenario 5). A real
// transport (out of scope here) adapts its connection objects to this
// interface; lockarbiter depends on nothing beyond it.
type Endpoint interface {
	ID() string
	Notify(invalidated func())
}

// VolumeStatus is what Arbiter needs from the controller to decide reboot-lock
// eligibility and to record lock state and error counts. Ownership semantics
// on the volume are neither enabled nor reverted through it.
// github.com/mendersoftware/bootcachesd/volumewatch.Controller implements
// the methods this interface names.
type VolumeStatus interface {
	// ErrCount reports a volume's consecutive-failure counter and
	// whether it is currently watched.
	ErrCount(bsdName string) (count int, watched bool)
	// CanUnmount reports whether a volume currently has no pending
	// rebuild work (used as "no volume has work pending" for the
	// reboot lock, spec.md §4.6).
	CanUnmount(bsdName string) (bool, error)
	// SetLocked records whether bsdName's volume currently holds the
	// per-volume lock; set to false on release (including the crash path).
	SetLocked(bsdName string, locked bool)
	// WatchedBSDNames lists every currently-watched volume's BSD name.
	WatchedBSDNames() []string
	// IncrementErrCount records one more consecutive failed rebuild
	// attempt for bsdName.
	IncrementErrCount(bsdName string)
	// ResetErrCount clears bsdName's consecutive-failure counter after a
	// clean rebuild.
	ResetErrCount(bsdName string)
}

// volumeLock is the state held for one locked volume.
type volumeLock struct {
	endpoint Endpoint
}

// Arbiter is the LockArbiter: per-volume locks plus the process-wide
// reboot lock. The error counter itself lives on VolumeStatus (WatchedVol,
// spec.md §3) since both the controller's own settle-driven rebuilds and
// lock releases from external clients contribute to it; Arbiter only reads
// it for the reboot-lock eligibility check and writes it on release/crash.
type Arbiter struct {
	status       VolumeStatus
	maxErrCount  int
	volumeLocks  map[string]*volumeLock
	rebootLocked bool
	rebootHolder Endpoint
}

// New returns an Arbiter. maxErrCount is the consecutive-failure threshold
// past which a volume is excluded from blocking the reboot lock
// (conf.Config.MaxErrCount, default 5).
func New(status VolumeStatus, maxErrCount int) *Arbiter {
	return &Arbiter{
		status:      status,
		maxErrCount: maxErrCount,
		volumeLocks: make(map[string]*volumeLock),
	}
}

// AcquireVolume grants ep exclusive access to bsdName. Fails with ErrBusy if
// already locked by a different endpoint, or if the reboot lock is held
// (spec.md §4.6: "Holding the reboot lock causes subsequent per-volume lock
// requests to fail with busy").
func (a *Arbiter) AcquireVolume(bsdName string, ep Endpoint) error {
	if a.rebootLocked {
		return ErrBusy
	}
	if existing, ok := a.volumeLocks[bsdName]; ok {
		if existing.endpoint.ID() == ep.ID() {
			return nil
		}
		return ErrBusy
	}

	a.volumeLocks[bsdName] = &volumeLock{endpoint: ep}
	a.status.SetLocked(bsdName, true)

	ep.Notify(func() {
		a.crashRelease(bsdName, ep)
	})
	return nil
}

// ReleaseVolume releases bsdName's lock on behalf of ep. exitCode is the
// rebuilder's exit status; tempfail marks builder.ExTempfail (75), meaning
// "not done yet" -- no error is recorded and the volume stays as it was
// (spec.md §4.6). A non-tempfail non-zero exitCode increments the volume's
// error counter; a zero exitCode resets it to zero.
func (a *Arbiter) ReleaseVolume(bsdName string, ep Endpoint, exitCode int, tempfail bool) error {
	lock, ok := a.volumeLocks[bsdName]
	if !ok || lock.endpoint.ID() != ep.ID() {
		return ErrNotHeld
	}

	delete(a.volumeLocks, bsdName)
	a.status.SetLocked(bsdName, false)

	switch {
	case tempfail:
		// Not done yet; leave the error counter untouched.
	case exitCode != 0:
		a.status.IncrementErrCount(bsdName)
	default:
		a.status.ResetErrCount(bsdName)
	}
	return nil
}

// crashRelease is the Endpoint.Notify callback: the client died before
// releasing. Clears the lock, records it as unlocked, and increments
// the error counter unconditionally -- the sole recovery spec.md §4.6
// describes for this path.
func (a *Arbiter) crashRelease(bsdName string, ep Endpoint) {
	lock, ok := a.volumeLocks[bsdName]
	if !ok || lock.endpoint.ID() != ep.ID() {
		return
	}
	delete(a.volumeLocks, bsdName)
	a.status.SetLocked(bsdName, false)
	a.status.IncrementErrCount(bsdName)
}

// AcquireReboot grants the process-wide reboot lock to ep. It is refused if
// any volume is already locked, or if any watched volume still reports
// pending work -- except volumes whose error counter has reached
// maxErrCount, which are skipped so a persistently broken volume cannot
// block reboot indefinitely (spec.md §4.6, §7 error kind vi).
func (a *Arbiter) AcquireReboot(ep Endpoint) error {
	if a.rebootLocked {
		if a.rebootHolder.ID() == ep.ID() {
			return nil
		}
		return ErrBusy
	}
	if len(a.volumeLocks) > 0 {
		return ErrRebootBlocked
	}

	for _, bsdName := range a.status.WatchedBSDNames() {
		if count, watched := a.status.ErrCount(bsdName); watched && count >= a.maxErrCount {
			continue
		}
		canUnmount, err := a.status.CanUnmount(bsdName)
		if err != nil {
			return errors.Wrapf(err, "lockarbiter: checking pending work on %s", bsdName)
		}
		if !canUnmount {
			return ErrRebootBlocked
		}
	}

	a.rebootLocked = true
	a.rebootHolder = ep
	ep.Notify(func() {
		a.releaseRebootLocked(ep)
	})
	return nil
}

// ReleaseReboot releases the reboot lock on behalf of ep.
func (a *Arbiter) ReleaseReboot(ep Endpoint) error {
	if !a.rebootLocked || a.rebootHolder.ID() != ep.ID() {
		return ErrNotHeld
	}
	a.releaseRebootLocked(ep)
	return nil
}

func (a *Arbiter) releaseRebootLocked(ep Endpoint) {
	if !a.rebootLocked || a.rebootHolder.ID() != ep.ID() {
		return
	}
	a.rebootLocked = false
	a.rebootHolder = nil
}

// RebootLocked reports whether the reboot lock is currently held.
func (a *Arbiter) RebootLocked() bool {
	return a.rebootLocked
}
