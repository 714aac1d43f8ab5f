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

// Package volumewatch implements the VolumeController: it discovers
// mountable local volumes, parses each one's descriptor, watches every
// referenced path, and coalesces bursts of changes into a single settle
// timer before consulting the staleness oracle and driving a rebuild.
package volumewatch

import (
	"context"
	"path"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/bootcachesd/bootcaches"
	"github.com/mendersoftware/bootcachesd/builder"
	"github.com/mendersoftware/bootcachesd/conf"
	"github.com/mendersoftware/bootcachesd/diskinfo"
	"github.com/mendersoftware/bootcachesd/helperupdate"
	"github.com/mendersoftware/bootcachesd/lockarbiter"
	"github.com/mendersoftware/bootcachesd/staleness"
)

// daemonEndpoint is the lockarbiter.Endpoint the controller presents for its
// own settle-driven rebuilds -- a rebuild runs synchronously on the control
// thread that also owns the Arbiter, so there is no separate process to
// crash out from under the lock; Notify has nothing to register.
type daemonEndpoint struct {
	id string
}

func (e *daemonEndpoint) ID() string { return e.id }

func (e *daemonEndpoint) Notify(invalidated func()) {}

// WatchedVol is one host volume under watch: its parsed descriptor, the
// fsnotify watcher registered on every path it names, and the bookkeeping
// the controller needs to coalesce and dispatch rebuilds.
type WatchedVol struct {
	BSDName    string
	MountPoint string
	BC         *bootcaches.BootCaches

	watcher     *fsnotify.Watcher
	settleTimer *time.Timer
	locked      bool
	errCount    int
}

// fsEvent tags a raw fsnotify event with the BSD name of the volume whose
// watcher produced it, so the central loop can look the WatchedVol back up.
type fsEvent struct {
	bsdName string
	event   fsnotify.Event
}

// Controller is the VolumeController: a single event loop owns every
// WatchedVol, the settle timers, and dispatches to the staleness oracle,
// the external builder, and the HelperUpdater.
type Controller struct {
	cfg     *conf.Config
	arbiter diskinfo.Arbiter
	updater *helperupdate.Updater
	locks   *lockarbiter.Arbiter

	vols map[string]*WatchedVol

	settleCh chan string
	fsEvents chan fsEvent
}

// New returns a Controller ready to Run.
func New(cfg *conf.Config, arbiter diskinfo.Arbiter, updater *helperupdate.Updater) *Controller {
	return &Controller{
		cfg:      cfg,
		arbiter:  arbiter,
		updater:  updater,
		vols:     make(map[string]*WatchedVol),
		settleCh: make(chan string, 16),
		fsEvents: make(chan fsEvent, 64),
	}
}

// SetLockArbiter wires the LockArbiter the controller's own settle-driven
// rebuilds acquire and release around each helper update (spec.md §4.6),
// so the reboot lock actually reflects in-flight work. Must be called
// before Run; the controller and its VolumeStatus-implementing methods are
// themselves Arbiter's backing store, so the two are constructed separately
// and wired together by the caller.
func (c *Controller) SetLockArbiter(a *lockarbiter.Arbiter) {
	c.locks = a
}

// Run is the single control-thread event loop (spec.md §5): it owns every
// WatchedVol and settle timer, and is the only goroutine that mutates
// controller state. It returns when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DiskPollInterval)
	defer ticker.Stop()

	c.pollDisks()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil
		case <-ticker.C:
			c.pollDisks()
		case bsdName := <-c.settleCh:
			c.onSettle(bsdName)
		case ev := <-c.fsEvents:
			c.onFSEvent(ev)
		}
	}
}

func (c *Controller) teardown() {
	for bsd := range c.vols {
		c.disappeared(bsd)
	}
}

// pollDisks is the disk-arrival/disk-change/disk-departure poll this
// runtime substitutes for native disk-arbitration callbacks (spec.md §4.5,
// SPEC_FULL.md §4.5).
func (c *Controller) pollDisks() {
	vols, err := c.arbiter.ListVolumes()
	if err != nil {
		log.WithError(err).Warn("volumewatch: listing volumes failed")
		return
	}

	seen := make(map[string]diskinfo.Volume, len(vols))
	for _, v := range vols {
		seen[v.BSDName] = v
	}

	for bsd, wv := range c.vols {
		if v, ok := seen[bsd]; !ok {
			c.disappeared(bsd)
		} else if v.MountPoint != wv.MountPoint {
			c.disappeared(bsd)
			c.appeared(v)
		}
	}

	for bsd, v := range seen {
		if _, ok := c.vols[bsd]; !ok {
			c.appeared(v)
			_ = bsd
		}
	}
}

// appeared handles a newly-seen mountable local volume: require writable,
// non-network media, parse its descriptor, and register path watches.
// Non-BootRoot volumes and parse failures abort silently (spec.md §4.5).
func (c *Controller) appeared(v diskinfo.Volume) {
	if !v.Writable || v.Network {
		return
	}
	if c.isIgnored(v.BSDName) {
		return
	}

	bc, err := bootcaches.Parse(v.MountPoint, c.arbiter, c.cfg.BootstampDirName)
	if err != nil {
		if errors.Is(err, bootcaches.ErrIgnoredVolume) {
			return
		}
		log.WithError(err).WithField("volume", v.BSDName).Debug("volumewatch: not a watched volume")
		return
	}

	wv := &WatchedVol{BSDName: v.BSDName, MountPoint: v.MountPoint, BC: bc}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("volumewatch: creating fsnotify watcher failed")
		bc.Close()
		return
	}
	for _, cp := range bc.AllPaths() {
		path := filepath.Join(bc.Root, cp.RPath)
		if err := watcher.Add(path); err != nil {
			log.WithError(err).WithField("path", path).Debug("volumewatch: watching path failed")
		}
	}
	if bc.ExtensionsDir != "" {
		if err := watcher.Add(filepath.Join(bc.Root, bc.ExtensionsDir)); err != nil {
			log.WithError(err).Debug("volumewatch: watching extensions dir failed")
		}
	}
	wv.watcher = watcher
	c.vols[v.BSDName] = wv

	go c.pumpEvents(v.BSDName, watcher)

	log.WithField("volume", v.BSDName).Info("volumewatch: watching new volume")
}

// isIgnored matches bsdName against every glob in IgnoreBSDNamePatterns.
func (c *Controller) isIgnored(bsdName string) bool {
	for _, pat := range c.cfg.IgnoreBSDNamePatterns {
		if ok, err := path.Match(pat, bsdName); err == nil && ok {
			return true
		}
	}
	return false
}

// disappeared removes a volume's mapping entry, cancels any pending settle
// timer, and discards its watcher.
func (c *Controller) disappeared(bsdName string) {
	wv, ok := c.vols[bsdName]
	if !ok {
		return
	}
	if wv.settleTimer != nil {
		wv.settleTimer.Stop()
	}
	if wv.watcher != nil {
		wv.watcher.Close()
	}
	if wv.BC != nil {
		wv.BC.Close()
	}
	delete(c.vols, bsdName)
}

// CanUnmount answers the LockArbiter's unmount-approval question: deny with
// "busy" if the volume holds a lock or has stale work pending.
func (c *Controller) CanUnmount(bsdName string) (bool, error) {
	wv, ok := c.vols[bsdName]
	if !ok {
		return true, nil
	}
	if wv.locked {
		return false, nil
	}
	rep, err := staleness.Assess(wv.BC, wv.BC.Root)
	if err != nil {
		return false, err
	}
	return !rep.Any, nil
}

// SetLocked records whether bsdName's volume currently holds the
// LockArbiter's per-volume lock (used by CanUnmount).
func (c *Controller) SetLocked(bsdName string, locked bool) {
	if wv, ok := c.vols[bsdName]; ok {
		wv.locked = locked
	}
}

// WatchedBSDNames lists every currently-watched volume's BSD name, for
// lockarbiter.Arbiter's reboot-lock enumeration.
func (c *Controller) WatchedBSDNames() []string {
	names := make([]string, 0, len(c.vols))
	for bsd := range c.vols {
		names = append(names, bsd)
	}
	return names
}

// ErrCount reports a volume's consecutive-failure counter, and 0/false if
// it is not currently watched.
func (c *Controller) ErrCount(bsdName string) (int, bool) {
	wv, ok := c.vols[bsdName]
	if !ok {
		return 0, false
	}
	return wv.errCount, true
}

// IncrementErrCount records one more consecutive failed rebuild attempt for
// bsdName. A no-op if the volume is no longer watched.
func (c *Controller) IncrementErrCount(bsdName string) {
	if wv, ok := c.vols[bsdName]; ok {
		wv.errCount++
	}
}

// ResetErrCount clears bsdName's consecutive-failure counter after a clean
// rebuild. A no-op if the volume is no longer watched.
func (c *Controller) ResetErrCount(bsdName string) {
	if wv, ok := c.vols[bsdName]; ok {
		wv.errCount = 0
	}
}

func (c *Controller) pumpEvents(bsdName string, watcher *fsnotify.Watcher) {
	for ev := range watcher.Events {
		c.fsEvents <- fsEvent{bsdName: bsdName, event: ev}
	}
}

// onFSEvent (re)arms a volume's settle timer on every notification,
// cancelling any timer already pending (spec.md §4.5's settle-burst
// coalescing).
func (c *Controller) onFSEvent(ev fsEvent) {
	wv, ok := c.vols[ev.bsdName]
	if !ok {
		return
	}
	if wv.settleTimer != nil {
		wv.settleTimer.Stop()
	}
	bsdName := ev.bsdName
	wv.settleTimer = time.AfterFunc(c.cfg.SettleDelay, func() {
		c.settleCh <- bsdName
	})
}

// onSettle runs when a volume's settle timer fires: ask the staleness
// oracle, then fork the external builder (mkext staleness) or enter the
// HelperUpdater (any other staleness).
func (c *Controller) onSettle(bsdName string) {
	wv, ok := c.vols[bsdName]
	if !ok {
		return
	}

	rep, err := staleness.Assess(wv.BC, wv.BC.Root)
	if err != nil {
		log.WithError(err).WithField("volume", bsdName).Warn("volumewatch: staleness assessment failed")
		return
	}
	if !rep.Any {
		return
	}

	needsMkext, err := staleness.NeedsMKextRebuild(wv.BC)
	if err != nil {
		log.WithError(err).WithField("volume", bsdName).Warn("volumewatch: mkext staleness check failed")
	} else if needsMkext {
		c.forkMkextBuilder(wv)
	}

	if rep.RPS || rep.Booters || rep.Misc {
		ep, granted := c.acquireRebuildLock(bsdName)
		if !granted {
			log.WithField("volume", bsdName).Debug("volumewatch: volume busy, deferring rebuild")
			return
		}

		helpers, err := c.arbiter.HelperPartitions(bsdName)
		if err != nil {
			log.WithError(err).WithField("volume", bsdName).Error("volumewatch: discovering helper partitions failed")
			c.releaseRebuildLock(bsdName, ep, true)
			return
		}
		if len(helpers) == 0 {
			log.WithField("volume", bsdName).Debug("volumewatch: no helper partitions found")
			c.releaseRebuildLock(bsdName, ep, false)
			return
		}

		failed := false
		for _, helperBSD := range helpers {
			if err := c.updater.UpdateHelper(helperBSD, wv.BC, rep); err != nil {
				failed = true
				log.WithError(err).WithField("volume", bsdName).WithField("helper", helperBSD).Error("volumewatch: helper update failed")
			}
		}
		c.releaseRebuildLock(bsdName, ep, failed)
		if failed {
			return
		}
		if err := wv.BC.CommitBootstamps(wv.BC.AllPaths()); err != nil {
			log.WithError(err).WithField("volume", bsdName).Error("volumewatch: bootstamp commit failed")
		}
	}
}

// acquireRebuildLock acquires the per-volume lock around a settle-driven
// rebuild when a LockArbiter is wired (spec.md §4.6's lock scope applies to
// every rebuild, not only externally-requested ones); it reports false if
// the volume is busy (an external client holds it, or the reboot lock is
// held) and the rebuild must wait for the next settle. With no LockArbiter
// wired, the rebuild always proceeds, matching prior behavior.
func (c *Controller) acquireRebuildLock(bsdName string) (lockarbiter.Endpoint, bool) {
	if c.locks == nil {
		return nil, true
	}
	ep := &daemonEndpoint{id: bsdName}
	if err := c.locks.AcquireVolume(bsdName, ep); err != nil {
		return nil, false
	}
	return ep, true
}

// releaseRebuildLock releases the lock acquireRebuildLock granted, reporting
// the rebuild's outcome as ReleaseVolume's exit-status convention: 0 on
// success, 1 on failure. With no LockArbiter wired it falls back to mutating
// the error counter directly, as before.
func (c *Controller) releaseRebuildLock(bsdName string, ep lockarbiter.Endpoint, failed bool) {
	if c.locks == nil {
		if failed {
			c.IncrementErrCount(bsdName)
		} else {
			c.ResetErrCount(bsdName)
		}
		return
	}
	exitCode := 0
	if failed {
		exitCode = 1
	}
	if err := c.locks.ReleaseVolume(bsdName, ep, exitCode, false); err != nil {
		log.WithError(err).WithField("volume", bsdName).Warn("volumewatch: releasing volume lock failed")
	}
}

// forkMkextBuilder double-forks the external builder for an mkext rebuild
// and reaps it in the background; the controller never waits on it.
func (c *Controller) forkMkextBuilder(wv *WatchedVol) {
	if wv.BC.MKext == nil {
		return
	}
	mkextPath := filepath.Join(wv.BC.Root, wv.BC.MKext.RPath)
	extPath := filepath.Join(wv.BC.Root, wv.BC.ExtensionsDir)
	bootstampDir := filepath.Join(wv.BC.Root, bootcaches.BootstampDir(c.cfg.BootstampDirName, wv.BC.VolUUID))

	args := builder.MKextArgs(wv.BC.MKextArchs, mkextPath, extPath)
	done := make(chan builder.Result, 1)
	builder.RunAsync(c.cfg.BuilderPath, args, bootstampDir, done)

	bsdName := wv.BSDName
	go func() {
		res := <-done
		if res.Tempfail {
			log.WithField("volume", bsdName).Debug("volumewatch: mkext builder requested retry")
			return
		}
		if res.ExitCode != 0 {
			log.WithField("volume", bsdName).WithField("exit", res.ExitCode).Warn("volumewatch: mkext builder failed")
		}
	}()
}
