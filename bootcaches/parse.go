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

	"github.com/mendersoftware/bootcachesd/safepath"
)

const descriptorRelPath = "usr/standalone/bootcaches.plist"

// disrespectedVolumeUID is the sentinel owner used by volumes that opted
// out of ownership enforcement; bootcaches.plist owned by this UID is
// silently ignored rather than treated as a parse failure.
const disrespectedVolumeUID = 99

var (
	// ErrIgnoredVolume means the descriptor is present but the volume is
	// not meant to be managed (owned by the disrespected-volume
	// sentinel UID). Not an error condition for callers: skip the
	// volume quietly.
	ErrIgnoredVolume = errors.New("bootcaches: volume is not respected, ignoring")
	// ErrBadOwnership means the descriptor fails the UID-0,
	// not-group/other-writable requirement.
	ErrBadOwnership = errors.New("bootcaches: descriptor has untrusted ownership or permissions")
	// ErrUnknownDescriptorKey means a dictionary in the descriptor had a
	// key this parser doesn't understand -- conservative trust means
	// that rejects the whole descriptor.
	ErrUnknownDescriptorKey = errors.New("bootcaches: descriptor has unrecognized required keys")
)

// VolumeIdentifier resolves a device id (Parse passes the descriptor file's
// st_dev) to the owning volume's UUID and human label. diskinfo.Arbiter
// implements this.
type VolumeIdentifier interface {
	Identify(dev uint64) (uuid string, label string, err error)
}

// Parse reads and validates root's bootcaches.plist, resolves the volume's
// identity via ids, ensures the bootstamp directory exists, and returns a
// fully populated BootCaches. The returned BootCaches' Scope must be
// Closed by the caller when the volume is no longer watched.
func Parse(root string, ids VolumeIdentifier, bootstampDirName string) (*BootCaches, error) {
	descPath := filepath.Join(root, descriptorRelPath)

	scope, err := safepath.Open(descPath)
	if err != nil {
		return nil, errors.Wrapf(err, "bootcaches: opening descriptor %s", descPath)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			scope.Close()
		}
	}()

	var st unix.Stat_t
	if err := unix.Fstat(int(scope.Fd.Fd()), &st); err != nil {
		return nil, errors.Wrap(err, "bootcaches: fstat descriptor")
	}
	if st.Uid == disrespectedVolumeUID {
		return nil, ErrIgnoredVolume
	}
	if st.Uid != 0 || st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return nil, ErrBadOwnership
	}

	f, err := os.Open(descPath)
	if err != nil {
		return nil, errors.Wrap(err, "bootcaches: reopening descriptor for read")
	}
	dict, err := decodePlist(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	uuid, label, err := ids.Identify(st.Dev)
	if err != nil {
		return nil, errors.Wrap(err, "bootcaches: resolving volume identity")
	}

	bootstampDir := BootstampDir(bootstampDirName, uuid)
	if err := scope.DeepMkdir(filepath.Join(root, bootstampDir), 0755); err != nil {
		return nil, errors.Wrap(err, "bootcaches: creating bootstamp directory")
	}

	bc := &BootCaches{
		Root:     root,
		VolUUID:  uuid,
		VolLabel: label,
		Scope:    scope,
		Raw:      dict,
	}

	consumedTop := map[string]bool{}

	if v, ok := dict["PreBootPaths"]; ok {
		consumedTop["PreBootPaths"] = true
		sub, ok := asDict(v)
		if !ok {
			return nil, errors.Wrap(ErrUnknownDescriptorKey, "PreBootPaths is not a dictionary")
		}
		if err := parsePreBootPaths(bc, sub, bootstampDir); err != nil {
			return nil, err
		}
	}
	if v, ok := dict["BooterPaths"]; ok {
		consumedTop["BooterPaths"] = true
		sub, ok := asDict(v)
		if !ok {
			return nil, errors.Wrap(ErrUnknownDescriptorKey, "BooterPaths is not a dictionary")
		}
		if err := parseBooterPaths(bc, sub, bootstampDir); err != nil {
			return nil, err
		}
	}
	if v, ok := dict["PostBootPaths"]; ok {
		consumedTop["PostBootPaths"] = true
		sub, ok := asDict(v)
		if !ok {
			return nil, errors.Wrap(ErrUnknownDescriptorKey, "PostBootPaths is not a dictionary")
		}
		if err := parsePostBootPaths(bc, sub, bootstampDir); err != nil {
			return nil, err
		}
	}

	if err := requireAllKeysConsumed(dict, consumedTop); err != nil {
		return nil, err
	}

	closeOnErr = false
	return bc, nil
}

func requireAllKeysConsumed(dict map[string]interface{}, consumed map[string]bool) error {
	if len(consumed) != len(dict) {
		for k := range dict {
			if !consumed[k] {
				return errors.Wrapf(ErrUnknownDescriptorKey, "key %q", k)
			}
		}
	}
	return nil
}

func parsePreBootPaths(bc *BootCaches, dict map[string]interface{}, bootstampDir string) error {
	consumed := map[string]bool{}

	if v, ok := dict["DiskLabel"]; ok {
		consumed["DiskLabel"] = true
		rpath, ok := asString(v)
		if !ok {
			return errors.Wrap(ErrUnknownDescriptorKey, "PreBootPaths.DiskLabel is not a string")
		}
		cp := newCachedPath(bootstampDir, rpath)
		bc.Misc = append(bc.Misc, cp)
		bc.Label = cp
	}
	if v, ok := dict["AdditionalPaths"]; ok {
		consumed["AdditionalPaths"] = true
		paths, ok := asStringArray(v)
		if !ok {
			return errors.Wrap(ErrUnknownDescriptorKey, "PreBootPaths.AdditionalPaths is not a string array")
		}
		for _, rpath := range paths {
			bc.Misc = append(bc.Misc, newCachedPath(bootstampDir, rpath))
		}
	}

	return requireAllKeysConsumed(dict, consumed)
}

func parseBooterPaths(bc *BootCaches, dict map[string]interface{}, bootstampDir string) error {
	consumed := map[string]bool{}

	if v, ok := dict["EFIBooter"]; ok {
		consumed["EFIBooter"] = true
		rpath, ok := asString(v)
		if !ok {
			return errors.Wrap(ErrUnknownDescriptorKey, "BooterPaths.EFIBooter is not a string")
		}
		bc.EFIBooter = newCachedPath(bootstampDir, rpath)
	}

	return requireAllKeysConsumed(dict, consumed)
}

func parsePostBootPaths(bc *BootCaches, dict map[string]interface{}, bootstampDir string) error {
	consumed := map[string]bool{}

	if v, ok := dict["BootConfig"]; ok {
		consumed["BootConfig"] = true
		rpath, ok := asString(v)
		if !ok {
			return errors.Wrap(ErrUnknownDescriptorKey, "PostBootPaths.BootConfig is not a string")
		}
		cp := newCachedPath(bootstampDir, rpath)
		bc.RPS = append(bc.RPS, cp)
		bc.BootConfig = cp
	}
	if v, ok := dict["MKext"]; ok {
		consumed["MKext"] = true
		sub, ok := asDict(v)
		if !ok {
			return errors.Wrap(ErrUnknownDescriptorKey, "PostBootPaths.MKext is not a dictionary")
		}
		if err := parseMKext(bc, sub, bootstampDir); err != nil {
			return err
		}
	}
	if v, ok := dict["AdditionalPaths"]; ok {
		consumed["AdditionalPaths"] = true
		paths, ok := asStringArray(v)
		if !ok {
			return errors.Wrap(ErrUnknownDescriptorKey, "PostBootPaths.AdditionalPaths is not a string array")
		}
		for _, rpath := range paths {
			bc.RPS = append(bc.RPS, newCachedPath(bootstampDir, rpath))
		}
	}

	return requireAllKeysConsumed(dict, consumed)
}

func parseMKext(bc *BootCaches, dict map[string]interface{}, bootstampDir string) error {
	consumed := map[string]bool{}

	var rpath string
	if v, ok := dict["Path"]; ok {
		consumed["Path"] = true
		var ok2 bool
		rpath, ok2 = asString(v)
		if !ok2 {
			return errors.Wrap(ErrUnknownDescriptorKey, "MKext.Path is not a string")
		}
	} else {
		return errors.Wrap(ErrUnknownDescriptorKey, "MKext is missing required Path")
	}

	if v, ok := dict["ExtensionsDir"]; ok {
		consumed["ExtensionsDir"] = true
		extDir, ok2 := asString(v)
		if !ok2 {
			return errors.Wrap(ErrUnknownDescriptorKey, "MKext.ExtensionsDir is not a string")
		}
		bc.ExtensionsDir = extDir
	}
	if v, ok := dict["Archs"]; ok {
		consumed["Archs"] = true
		archs, ok2 := asStringArray(v)
		if !ok2 {
			return errors.Wrap(ErrUnknownDescriptorKey, "MKext.Archs is not a string array")
		}
		bc.MKextArchs = archs
	}

	cp := newCachedPath(bootstampDir, rpath)
	bc.RPS = append(bc.RPS, cp)
	bc.MKext = cp

	return requireAllKeysConsumed(dict, consumed)
}
