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

// Package helperupdate is the update engine: for a watched volume whose
// host has one or more helper partitions, it mounts each helper, stages new
// content into the inactive RPS slot, blesses new booters, and either
// commits or rolls every helper back to its prior bootable state.
package helperupdate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mendersoftware/bootcachesd/bootcaches"
	"github.com/mendersoftware/bootcachesd/diskinfo"
	"github.com/mendersoftware/bootcachesd/safepath"
	"github.com/mendersoftware/bootcachesd/staleness"
)

// activeRPSMarker records, at the helper root, which fixed RPS directory
// name is currently active -- the portable substitute for "ask bless which
// inode is active" this runtime has no equivalent of.
const activeRPSMarker = ".active-rps"

// changeState is the rollback cursor described in spec.md §4.1: it advances
// linearly through an update and selects, on failure, which reverse actions
// undo exactly the steps already committed.
type changeState int

const (
	stateNone changeState = iota
	stateLabelsNuked
	stateCopyingOF
	stateCopyingEFI
	stateCopiedBooters
	stateActivatingOF
	stateActivatingEFI
	stateActivatedBooters
)

// ErrHelperTooSmall is returned when a helper partition is under the
// configured minimum size.
var ErrHelperTooSmall = errors.New("helperupdate: helper partition below minimum size")

// ErrHostSwapped is returned when the host volume's device id no longer
// matches the BootCaches scope, meaning it was unmounted and replaced
// between descriptor parse and helper update.
var ErrHostSwapped = errors.New("helperupdate: host volume scope mismatch, aborting")

// Updater mounts and updates helper partitions for a single host volume.
type Updater struct {
	Arbiter                 diskinfo.Arbiter
	Labeler                 Labeler
	MinHelperPartitionBytes int64
}

// New returns an Updater backed by arbiter, rejecting helpers smaller than
// minHelperPartitionBytes.
func New(arbiter diskinfo.Arbiter, minHelperPartitionBytes int64) *Updater {
	return &Updater{
		Arbiter:                 arbiter,
		Labeler:                 NewLabeler(),
		MinHelperPartitionBytes: minHelperPartitionBytes,
	}
}

// helperPath joins a volume-root-relative path onto the helper's mount
// point; every safepath call in this file operates on the result, never on
// a bare rpath, since safepath.Scope resolves targets as given.
func helperPath(helperRoot, rpath string) string {
	return filepath.Join(helperRoot, rpath)
}

// UpdateHelper runs the full per-helper algorithm (spec.md §4.1 steps 1-9)
// against one helper partition, for categories rep marks stale. It mounts
// the helper, stages and activates whatever is stale, and unmounts it
// whether the update succeeded or failed; a failure rolls the helper back
// to its prior state before returning.
func (u *Updater) UpdateHelper(bsdName string, bc *bootcaches.BootCaches, rep staleness.Report) (err error) {
	if err := verifyHostUnswapped(bc); err != nil {
		return err
	}

	mountPoint, err := u.Arbiter.MountHelper(bsdName)
	if err != nil {
		return errors.Wrapf(err, "helperupdate: mounting helper %s", bsdName)
	}
	defer func() {
		if uerr := u.Arbiter.UnmountHelper(mountPoint); uerr != nil {
			log.WithError(uerr).WithField("helper", bsdName).Warn("helperupdate: unmount failed")
		}
	}()

	if size, serr := diskinfo.PartitionSizeBytes(filepath.Join("/dev", bsdName)); serr == nil {
		if size < u.MinHelperPartitionBytes {
			return errors.Wrapf(ErrHelperTooSmall, "helper %s is %d bytes", bsdName, size)
		}
	}

	hs, err := safepath.Open(mountPoint)
	if err != nil {
		return errors.Wrapf(err, "helperupdate: opening helper scope %s", mountPoint)
	}
	defer hs.Close()

	state := stateNone
	committed := false
	defer func() {
		if !committed {
			if rerr := u.rollback(hs, mountPoint, bc, state); rerr != nil {
				log.WithError(rerr).WithField("helper", bsdName).Error("helperupdate: rollback failed")
			}
		}
	}()

	var next, previous int
	if rep.RPS {
		present, perr := presentRPSSlots(mountPoint)
		if perr != nil {
			return perr
		}
		_, n, p, allThree := selectRotation(present)
		next, previous = n, p
		if allThree {
			log.WithField("helper", bsdName).Warn("helperupdate: all three RPS slots present, picking R as current")
		}

		if err := u.stageRPS(hs, mountPoint, bc, rpsSlotNames[next]); err != nil {
			return errors.Wrap(err, "helperupdate: staging RPS")
		}
	}

	if rep.Misc {
		u.stageMisc(hs, mountPoint, bc)
	}

	u.nukeLabels(hs, mountPoint, bc)
	state = stateLabelsNuked

	var systemFolderIno, efiBooterIno uint64
	if rep.Booters {
		if bc.OFBooter != nil {
			state = stateCopyingOF
			if err := u.stageBooter(hs, mountPoint, bc.Root, bc.OFBooter); err != nil {
				return errors.Wrap(err, "helperupdate: staging OF booter")
			}
		}
		if bc.EFIBooter != nil {
			state = stateCopyingEFI
			if err := u.stageBooter(hs, mountPoint, bc.Root, bc.EFIBooter); err != nil {
				return errors.Wrap(err, "helperupdate: staging EFI booter")
			}
		}
		state = stateCopiedBooters

		if bc.OFBooter != nil {
			state = stateActivatingOF
			ino, aerr := u.activateBooter(mountPoint, bc.OFBooter)
			if aerr != nil {
				return errors.Wrap(aerr, "helperupdate: activating OF booter")
			}
			systemFolderIno = ino
		}
		if bc.EFIBooter != nil {
			state = stateActivatingEFI
			ino, aerr := u.activateBooter(mountPoint, bc.EFIBooter)
			if aerr != nil {
				return errors.Wrap(aerr, "helperupdate: activating EFI booter")
			}
			efiBooterIno = ino
		}

		if err := u.Labeler.Bless(mountPoint, systemFolderIno, efiBooterIno); err != nil {
			return errors.Wrap(err, "helperupdate: blessing booters")
		}
		state = stateActivatedBooters
	}

	if rep.RPS {
		if err := writeActiveRPSMarker(mountPoint, rpsSlotNames[next]); err != nil {
			return errors.Wrap(err, "helperupdate: activating RPS")
		}
		if err := fsyncDir(mountPoint); err != nil {
			return errors.Wrap(err, "helperupdate: syncing helper after RPS activation")
		}
	}

	if rep.Misc {
		u.activateMisc(hs, mountPoint, bc)
	}

	u.cleanupBooterFallbacks(hs, mountPoint, bc)
	if rep.RPS {
		if err := hs.DeepUnlink(helperPath(mountPoint, rpsSlotNames[previous])); err != nil {
			log.WithError(err).WithField("helper", bsdName).Warn("helperupdate: cleaning up previous RPS slot")
		}
	}

	committed = true
	return nil
}

// verifyHostUnswapped re-stats the host volume's root and compares its
// device id against the one the BootCaches scope witnessed at parse time
// (spec.md §4.1 step 1's "verify the host volume has not been swapped out
// under us").
func verifyHostUnswapped(bc *bootcaches.BootCaches) error {
	var st unix.Stat_t
	if err := unix.Stat(bc.Root, &st); err != nil {
		return errors.Wrapf(err, "helperupdate: stat host root %s", bc.Root)
	}
	if st.Dev != bc.Scope.Dev() {
		return errors.Wrapf(ErrHostSwapped, "host root %s", bc.Root)
	}
	return nil
}

// stageRPS stages every RPS path into nextDirName, freshly created. Each
// path is a scoped copy from the host volume, except BootConfig which is
// re-encoded with the volume UUID rather than byte-copied.
func (u *Updater) stageRPS(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches, nextDirName string) error {
	nextDir := helperPath(helperRoot, nextDirName)
	if err := hs.DeepUnlink(nextDir); err != nil {
		return err
	}
	if err := hs.Mkdir(nextDir, 0755); err != nil && !os.IsExist(err) {
		return err
	}

	for _, cp := range bc.RPS {
		src := filepath.Join(bc.Root, cp.RPath)
		dst := filepath.Join(nextDir, cp.RPath)

		if cp == bc.BootConfig {
			encoded, err := bootcaches.EncodeBootConfigWithVolUUID(src, bc.VolUUID)
			if err != nil {
				return err
			}
			if err := writeScoped(hs, filepath.Dir(dst), dst, encoded, 0644); err != nil {
				return err
			}
			continue
		}

		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrapf(err, "helperupdate: stat RPS source %s", src)
		}
		if info.Size() == 0 {
			return errors.Errorf("helperupdate: refusing zero-length RPS source %s", src)
		}
		if err := hs.CopyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// writeScoped writes data to dst (an absolute path inside the scope)
// through a safepath-confined descriptor, creating any missing parent
// directories first.
func writeScoped(hs *safepath.Scope, parent, dst string, data []byte, mode os.FileMode) error {
	if err := hs.DeepMkdir(parent, 0755); err != nil {
		return err
	}
	if err := hs.Unlink(dst); err != nil {
		return err
	}
	f, err := hs.Open(dst, os.O_WRONLY|os.O_CREATE, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// stageMisc copies each misc path to "<rpath>.new"; missing sources and
// copy failures are logged, never fatal (spec.md §4.1 step 3).
func (u *Updater) stageMisc(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches) {
	for _, cp := range bc.Misc {
		if cp == bc.Label {
			continue // labels are regenerated fresh at activation, step 8
		}
		src := filepath.Join(bc.Root, cp.RPath)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := helperPath(helperRoot, cp.RPath+".new")
		if err := hs.CopyFile(src, dst); err != nil {
			log.WithError(err).WithField("path", cp.RPath).Warn("helperupdate: staging misc path failed")
		}
	}
}

// nukeLabels unconditionally removes the label and its content-details
// sidecar (spec.md §4.1 step 4).
func (u *Updater) nukeLabels(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches) {
	if bc.Label == nil {
		return
	}
	if err := hs.Unlink(helperPath(helperRoot, bc.Label.RPath)); err != nil {
		log.WithError(err).Warn("helperupdate: nuking label")
	}
	if err := hs.Unlink(helperPath(helperRoot, bc.Label.RPath+".contentDetails")); err != nil {
		log.WithError(err).Warn("helperupdate: nuking label content details")
	}
}

// stageBooter renames the current booter to "<rpath>.old" (tolerating a
// missing original) then copies the host's booter into place.
func (u *Updater) stageBooter(hs *safepath.Scope, helperRoot, hostRoot string, cp *bootcaches.CachedPath) error {
	dst := helperPath(helperRoot, cp.RPath)
	oldDst := helperPath(helperRoot, cp.RPath+".old")

	if _, err := os.Stat(dst); err == nil {
		if err := hs.Rename(dst, oldDst); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "helperupdate: stat existing booter %s", dst)
	}

	src := filepath.Join(hostRoot, cp.RPath)
	return hs.CopyFile(src, dst)
}

// activateBooter commits a staged booter to stable storage and returns its
// parent directory's inode number, used as one half of the bless pair.
func (u *Updater) activateBooter(helperRoot string, cp *bootcaches.CachedPath) (uint64, error) {
	path := helperPath(helperRoot, cp.RPath)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "helperupdate: opening booter %s", path)
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return 0, errors.Wrapf(err, "helperupdate: syncing booter %s", path)
	}
	if err := u.Labeler.ApplyTypeCreator(path); err != nil {
		return 0, err
	}

	var st unix.Stat_t
	if err := unix.Stat(filepath.Dir(path), &st); err != nil {
		return 0, errors.Wrapf(err, "helperupdate: stat booter parent %s", filepath.Dir(path))
	}
	return st.Ino, nil
}

// activateMisc renames every staged ".new" misc file over its final path
// and regenerates the label from scratch.
func (u *Updater) activateMisc(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches) {
	for _, cp := range bc.Misc {
		if cp == bc.Label {
			continue
		}
		newPath := helperPath(helperRoot, cp.RPath+".new")
		if _, err := os.Stat(newPath); err != nil {
			continue
		}
		if err := hs.Rename(newPath, helperPath(helperRoot, cp.RPath)); err != nil {
			log.WithError(err).WithField("path", cp.RPath).Warn("helperupdate: activating misc path failed")
		}
	}

	if bc.Label == nil {
		return
	}
	u.regenerateLabel(hs, helperRoot, bc, 0)
}

// regenerateLabel writes the label file and its plain-text content-detail
// sibling from "<VolLabel> <ordinal+1>".
func (u *Updater) regenerateLabel(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches, ordinal int) {
	content := fmt.Sprintf("%s %d", bc.VolLabel, ordinal+1)
	labelDst := helperPath(helperRoot, bc.Label.RPath)
	if err := writeScoped(hs, filepath.Dir(labelDst), labelDst, []byte(content), 0644); err != nil {
		log.WithError(err).Warn("helperupdate: writing label")
		return
	}
	detailDst := labelDst + ".contentDetails"
	if err := writeScoped(hs, filepath.Dir(detailDst), detailDst, []byte(content), 0644); err != nil {
		log.WithError(err).Warn("helperupdate: writing label content details")
		return
	}
	if err := u.Labeler.ApplyTypeCreator(labelDst); err != nil {
		log.WithError(err).Warn("helperupdate: applying label type/creator mark")
	}
}

// cleanupBooterFallbacks unlinks the ".old" sibling left behind by a
// successful booter activation.
func (u *Updater) cleanupBooterFallbacks(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches) {
	for _, cp := range []*bootcaches.CachedPath{bc.OFBooter, bc.EFIBooter} {
		if cp == nil {
			continue
		}
		if err := hs.Unlink(helperPath(helperRoot, cp.RPath+".old")); err != nil {
			log.WithError(err).WithField("path", cp.RPath).Warn("helperupdate: cleaning up booter fallback")
		}
	}
}

func writeActiveRPSMarker(helperRoot, slotName string) error {
	return os.WriteFile(filepath.Join(helperRoot, activeRPSMarker), []byte(slotName), 0644)
}

// readActiveRPSMarker reports the helper's active RPS slot name, if any was
// ever recorded.
func readActiveRPSMarker(helperRoot string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(helperRoot, activeRPSMarker))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
