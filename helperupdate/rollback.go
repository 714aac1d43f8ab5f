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

package helperupdate

import (
	"os"

	"github.com/mendersoftware/bootcachesd/bootcaches"
	"github.com/mendersoftware/bootcachesd/safepath"
)

// rollback undoes whatever the changeState cursor says is committed.
// Staged RPS content in the "next" directory needs no undo: it is harmless,
// becomes "previous" on the following run, and is reaped then (spec.md
// §4.1 "Rollback").
func (u *Updater) rollback(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches, state changeState) error {
	switch {
	case state >= stateActivatedBooters:
		return u.reBlessOldBooters(helperRoot, bc)
	case state >= stateCopiedBooters:
		return u.restoreOldBooters(hs, helperRoot, bc)
	case state >= stateLabelsNuked:
		u.rewriteLabelsForRollback(hs, helperRoot, bc)
		return nil
	}
	return nil
}

// reBlessOldBooters re-activates the ".old" booter copies and re-blesses
// with their inodes, undoing a completed activation.
func (u *Updater) reBlessOldBooters(helperRoot string, bc *bootcaches.BootCaches) error {
	var systemFolderIno, efiBooterIno uint64

	if bc.OFBooter != nil {
		oldPath := helperPath(helperRoot, bc.OFBooter.RPath+".old")
		if _, err := os.Stat(oldPath); err == nil {
			ino, err := u.activateBooter(helperRoot, &bootcaches.CachedPath{RPath: bc.OFBooter.RPath + ".old"})
			if err != nil {
				return err
			}
			systemFolderIno = ino
		}
	}
	if bc.EFIBooter != nil {
		oldPath := helperPath(helperRoot, bc.EFIBooter.RPath+".old")
		if _, err := os.Stat(oldPath); err == nil {
			ino, err := u.activateBooter(helperRoot, &bootcaches.CachedPath{RPath: bc.EFIBooter.RPath + ".old"})
			if err != nil {
				return err
			}
			efiBooterIno = ino
		}
	}

	return u.Labeler.Bless(helperRoot, systemFolderIno, efiBooterIno)
}

// restoreOldBooters renames each ".old" booter back over its destination,
// undoing a copy that never got activated.
func (u *Updater) restoreOldBooters(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches) error {
	for _, cp := range []*bootcaches.CachedPath{bc.OFBooter, bc.EFIBooter} {
		if cp == nil {
			continue
		}
		oldPath := helperPath(helperRoot, cp.RPath+".old")
		if _, err := os.Stat(oldPath); err != nil {
			continue
		}
		if err := hs.Rename(oldPath, helperPath(helperRoot, cp.RPath)); err != nil {
			return err
		}
	}
	return nil
}

// rewriteLabelsForRollback restores the label files nuked in step 4 when
// nothing past that point was committed. Best-effort: failures are logged
// by regenerateLabel, never fatal to the rollback itself.
func (u *Updater) rewriteLabelsForRollback(hs *safepath.Scope, helperRoot string, bc *bootcaches.BootCaches) {
	if bc.Label == nil {
		return
	}
	u.regenerateLabel(hs, helperRoot, bc, 0)
}
