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
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// blessedMarker is the sidecar file that substitutes for the finder-info
// (system-folder-inode, efi-booter-inode) commit this runtime has no
// equivalent of. Its presence, not any filesystem attribute, is what
// "activated" means on this platform.
const blessedMarker = ".blessed"

// typeCreatorXattr is the user-namespace extended attribute ApplyTypeCreator
// sets on each path it marks -- the portable substitute for the type/creator
// Finder-info fields spec.md §4.1 steps 6 and 8 describe.
const typeCreatorXattr = "user.bootcachesd.typecreator"

// typeCreatorXattrValue is the fixed 8-byte value written: two 4-byte
// placeholder FourCC codes, mirroring the fixed-width type+creator pair the
// original Finder-info field carries.
var typeCreatorXattrValue = []byte("bcsdTCRT")

// Labeler applies the platform-specific activation marks spec.md §4.1 steps
// 6 and 8 describe as extended-attribute/finder-info operations. The
// default implementation below substitutes a sidecar file for Bless and a
// real user-namespace xattr for ApplyTypeCreator; a build targeting a
// filesystem without xattr support can supply its own Labeler.
type Labeler interface {
	// Bless commits the pair (systemFolderInode, efiBooterInode) as the
	// helper's active booters — spec's single atomic activation step.
	Bless(helperRoot string, systemFolderInode, efiBooterInode uint64) error
	// ApplyTypeCreator marks path as the platform would via a
	// type/creator extended attribute.
	ApplyTypeCreator(path string) error
}

// sidecarLabeler is the portable default Labeler: bless is recorded as a
// plain-text sidecar file at the helper root, and ApplyTypeCreator sets a
// real extended attribute on the target path.
type sidecarLabeler struct{}

// NewLabeler returns the default, portable Labeler.
func NewLabeler() Labeler { return sidecarLabeler{} }

func (sidecarLabeler) Bless(helperRoot string, systemFolderInode, efiBooterInode uint64) error {
	content := fmt.Sprintf("%d %d\n", systemFolderInode, efiBooterInode)
	path := filepath.Join(helperRoot, blessedMarker)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errors.Wrapf(err, "helperupdate: writing bless marker %s", path)
	}
	return nil
}

func (sidecarLabeler) ApplyTypeCreator(path string) error {
	if err := unix.Setxattr(path, typeCreatorXattr, typeCreatorXattrValue, 0); err != nil {
		return errors.Wrapf(err, "helperupdate: setting type/creator xattr on %s", path)
	}
	return nil
}
