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

// Package bootcaches parses a volume's bootcaches.plist descriptor into a
// typed BootCaches structure and manages the per-volume bootstamp tree that
// records when each cached artifact was last mirrored to a helper
// partition.
package bootcaches

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/mendersoftware/bootcachesd/safepath"
)

// ActivationMode is how a content class becomes effective on a helper
// partition once staged (design note §9: "model as a capability record per
// content class").
type ActivationMode int

const (
	// RPSPivot activates by rotating the RPS directory pointer.
	RPSPivot ActivationMode = iota
	// DotNewRename activates by renaming a staged "<path>.new" over the
	// final path.
	DotNewRename
	// BlessRename activates as part of the single finder-info/bless
	// commit (booters).
	BlessRename
)

// OnMissing controls what happens when a content class's live source is
// absent.
type OnMissing int

const (
	// OnMissingFail aborts the helper update.
	OnMissingFail OnMissing = iota
	// OnMissingSkip silently omits the item.
	OnMissingSkip
	// OnMissingWarn logs and continues.
	OnMissingWarn
)

// Capability is the per-content-class policy record.
type Capability struct {
	IsMandatory bool
	Activation  ActivationMode
	OnMissing   OnMissing
}

var (
	// RPSCapability applies to every CachedPath in BootCaches.RPS.
	RPSCapability = Capability{IsMandatory: true, Activation: RPSPivot, OnMissing: OnMissingFail}
	// MiscCapability applies to every CachedPath in BootCaches.Misc.
	MiscCapability = Capability{IsMandatory: false, Activation: DotNewRename, OnMissing: OnMissingWarn}
	// BooterCapability applies to EFIBooter/OFBooter.
	BooterCapability = Capability{IsMandatory: true, Activation: BlessRename, OnMissing: OnMissingSkip}
)

// CachedPath is one canonical artifact tracked between a volume's root
// filesystem and its bootstamp tree.
type CachedPath struct {
	// RPath is the path relative to the volume root.
	RPath string
	// TSPath is the path relative to the volume root, inside the
	// bootstamp directory.
	TSPath string

	// AccessTime/ModTime are the live source's timestamps as of the last
	// staleness check; they are the values written to the bootstamp on
	// a successful update.
	AccessTime time.Time
	ModTime    time.Time
}

// tspathFor derives the bootstamp-relative path for rpath under a volume
// whose bootstamp directory is bootstampDir (itself relative to the volume
// root), rewriting every path separator to a colon the way the source
// format's flat bootstamp namespace requires.
func tspathFor(bootstampDir, rpath string) string {
	rewritten := strings.ReplaceAll(rpath, string(filepath.Separator), ":")
	return filepath.Join(bootstampDir, rewritten)
}

func newCachedPath(bootstampDir, rpath string) *CachedPath {
	return &CachedPath{
		RPath:  rpath,
		TSPath: tspathFor(bootstampDir, rpath),
	}
}

// BootCaches is the parsed descriptor plus bookkeeping for one watched
// volume.
type BootCaches struct {
	// Root is the volume's mount point.
	Root string
	// VolUUID is the volume's UUID string.
	VolUUID string
	// VolLabel is the volume's human-readable label.
	VolLabel string

	// Scope is the safepath scope fd for Root, kept open for the
	// BootCaches' lifetime (invariant (i), spec §3).
	Scope *safepath.Scope

	// Raw is the parsed descriptor dictionary, kept for fields (like
	// MKext archs) that are consumed outside this package.
	Raw map[string]interface{}

	// ExtensionsDir is the relative path to the kernel extensions
	// directory named by PostBootPaths.MKext.ExtensionsDir.
	ExtensionsDir string
	// MKextArchs lists PostBootPaths.MKext.Archs, passed to the external
	// builder.
	MKextArchs []string

	// RPS is the ordered set of cached paths that must be updated
	// together as one atomic set.
	RPS []*CachedPath
	// Misc is the ordered set of non-critical cached paths.
	Misc []*CachedPath

	// EFIBooter/OFBooter are the distinguished booter cached paths; nil
	// if the descriptor does not name one.
	EFIBooter *CachedPath
	OFBooter  *CachedPath

	// MKext/BootConfig/Label are convenience back-references into RPS
	// (MKext, BootConfig) and Misc (Label).
	MKext      *CachedPath
	BootConfig *CachedPath
	Label      *CachedPath
}

// Close releases the scope descriptor.
func (b *BootCaches) Close() error {
	if b.Scope == nil {
		return nil
	}
	return b.Scope.Close()
}

// AllPaths returns every CachedPath this BootCaches tracks (RPS, Misc, and
// present booters), the set StalenessOracle iterates and VolumeController
// watches.
func (b *BootCaches) AllPaths() []*CachedPath {
	all := make([]*CachedPath, 0, len(b.RPS)+len(b.Misc)+2)
	all = append(all, b.RPS...)
	all = append(all, b.Misc...)
	if b.EFIBooter != nil {
		all = append(all, b.EFIBooter)
	}
	if b.OFBooter != nil {
		all = append(all, b.OFBooter)
	}
	return all
}

// BootstampDir returns the volume-root-relative bootstamp directory for
// this volume's UUID.
func BootstampDir(bootstampDirName, volUUID string) string {
	return filepath.Join("System", "Library", "Caches", bootstampDirName, volUUID)
}
