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

// Package diskinfo stands in for the native disk-arbitration framework
// spec.md assumes: enumerating mountable local volumes, resolving a
// volume's UUID/label, and mounting/unmounting a helper partition. It is
// grounded on the teacher's /proc/self/mounts-reading patterns
// (installer/dual_rootfs_device.go's checkMounted,
// installer/partitions.go's getMountedRoot/isMountedRoot).
package diskinfo

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mendersoftware/bootcachesd/system"
)

// Volume is one mounted, local, device-backed filesystem.
type Volume struct {
	BSDName    string
	MountPoint string
	Dev        uint64
	Writable   bool
	Network    bool
}

// pseudoFSTypes are excluded from ListVolumes; networkFSTypes are kept but
// reported with Volume.Network set. Neither is a "mountable local volume"
// in spec.md §4.5's sense.
var (
	networkFSTypes = map[string]bool{
		"nfs": true, "nfs4": true, "cifs": true, "smb3": true, "smbfs": true,
	}
	pseudoFSTypes = map[string]bool{
		"proc": true, "sysfs": true, "devtmpfs": true, "tmpfs": true,
		"cgroup": true, "cgroup2": true, "devpts": true, "mqueue": true,
		"debugfs": true, "tracefs": true, "securityfs": true, "pstore": true,
		"autofs": true, "binfmt_misc": true, "overlay": true, "squashfs": true,
		"fusectl": true,
	}
)

// Arbiter is the subset of disk-arbitration behavior this daemon needs.
// It also satisfies bootcaches.VolumeIdentifier.
type Arbiter interface {
	// ListVolumes returns every currently mounted, local, device-backed
	// volume.
	ListVolumes() ([]Volume, error)
	// Identify resolves a mounted filesystem's device id to a volume
	// UUID and human label.
	Identify(dev uint64) (volUUID string, label string, err error)
	// MountHelper mounts the helper partition named by bsdName
	// read-write at a fresh private mount point and returns it.
	MountHelper(bsdName string) (mountPoint string, err error)
	// UnmountHelper unmounts a mount point previously returned by
	// MountHelper.
	UnmountHelper(mountPoint string) error
	// HelperPartitions returns the BSD names of the helper partitions
	// belonging to the disk hosting hostBSDName.
	HelperPartitions(hostBSDName string) ([]string, error)
}

type arbiter struct {
	sc system.Commander
}

// New returns the default Arbiter, backed by /proc/self/mounts and the
// mount(8)/umount(8) utilities.
func New(sc system.Commander) Arbiter {
	return &arbiter{sc: sc}
}

// ListVolumes parses /proc/self/mounts, keeping only device-backed, local,
// mountable filesystems.
func (a *arbiter) ListVolumes() ([]Volume, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return nil, errors.Wrap(err, "diskinfo: opening /proc/self/mounts")
	}
	defer f.Close()

	var vols []Volume
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		device, mountPoint, fstype, opts := fields[0], fields[1], fields[2], fields[3]

		if !strings.HasPrefix(device, "/dev/") {
			continue
		}
		if pseudoFSTypes[fstype] {
			continue
		}
		network := networkFSTypes[fstype]

		var st unix.Stat_t
		if err := unix.Stat(mountPoint, &st); err != nil {
			continue
		}

		vols = append(vols, Volume{
			BSDName:    filepath.Base(device),
			MountPoint: mountPoint,
			Dev:        st.Dev,
			Writable:   hasOpt(opts, "rw"),
			Network:    network,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "diskinfo: reading /proc/self/mounts")
	}
	return vols, nil
}

func hasOpt(opts, want string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == want {
			return true
		}
	}
	return false
}

// Identify resolves dev to the BSD name of its backing block device by
// scanning /dev for a device node whose Rdev matches (the teacher's
// isMountedRoot comparison), then to a UUID/label via /dev/disk/by-uuid and
// /dev/disk/by-label. If no by-uuid symlink exists for the device, a
// deterministic UUID is derived from the BSD name so every volume still
// gets a stable identity across runs.
func (a *arbiter) Identify(dev uint64) (string, string, error) {
	bsdName, err := deviceFromDev(dev)
	if err != nil {
		return "", "", err
	}

	volUUID := lookupSymlinkTarget("/dev/disk/by-uuid", bsdName)
	if volUUID == "" {
		volUUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(bsdName)).String()
	}

	label := lookupSymlinkTarget("/dev/disk/by-label", bsdName)
	if label == "" {
		label = bsdName
	}

	return volUUID, label, nil
}

func deviceFromDev(dev uint64) (string, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return "", errors.Wrap(err, "diskinfo: reading /dev")
	}
	for _, e := range entries {
		full := filepath.Join("/dev", e.Name())
		var st unix.Stat_t
		if err := unix.Stat(full, &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		if st.Rdev == dev {
			return e.Name(), nil
		}
	}
	return "", errors.Errorf("diskinfo: no block device found for dev %d", dev)
}

func lookupSymlinkTarget(dir, bsdName string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if filepath.Base(target) == bsdName {
			return e.Name()
		}
	}
	return ""
}

// MountHelper mounts /dev/<bsdName> read-write at a freshly created private
// mount point under os.TempDir(), via the mount(8) utility (the teacher
// shells out through system.Commander for filesystem types the runtime
// doesn't natively support rather than calling mount(2) directly; see
// installer/dual_rootfs_device.go).
func (a *arbiter) MountHelper(bsdName string) (string, error) {
	mountPoint, err := os.MkdirTemp("", "bootcachesd-helper-")
	if err != nil {
		return "", errors.Wrap(err, "diskinfo: creating helper mount point")
	}

	devPath := filepath.Join("/dev", bsdName)
	cmd := a.sc.Command("mount", "-o", "rw", devPath, mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(mountPoint)
		return "", errors.Wrapf(err, "diskinfo: mount %s: %s", devPath, string(out))
	}
	return mountPoint, nil
}

// UnmountHelper unmounts and removes a mount point created by MountHelper.
func (a *arbiter) UnmountHelper(mountPoint string) error {
	cmd := a.sc.Command("umount", mountPoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "diskinfo: umount %s: %s", mountPoint, string(out))
	}
	return os.Remove(mountPoint)
}

// partitionSuffix matches the trailing partition-number suffix of a Linux
// BSD-style device name, e.g. "s1" in "disk2s1" or "p3" in "nvme0n1p3".
var partitionSuffix = regexp.MustCompile(`(s|p)[0-9]+$`)

// diskPrefix strips bsdName's trailing partition suffix, leaving the name
// of the whole disk it belongs to.
func diskPrefix(bsdName string) string {
	return partitionSuffix.ReplaceAllString(bsdName, "")
}

// HelperPartitions substitutes for native disk-arbitration partition-scheme
// introspection (out of scope, spec.md §9): it scans /dev for every device
// node whose BSD name shares hostBSDName's disk prefix (the portion before
// the trailing partition-number suffix), excluding the host partition
// itself. Every sibling partition on the same disk is treated as a
// candidate helper partition; HelperUpdater's own size floor and mount
// failure handling reject any that are not.
func (a *arbiter) HelperPartitions(hostBSDName string) ([]string, error) {
	prefix := diskPrefix(hostBSDName)
	if prefix == hostBSDName {
		return nil, errors.Errorf("diskinfo: %s has no partition suffix to derive a disk prefix from", hostBSDName)
	}

	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, errors.Wrap(err, "diskinfo: reading /dev")
	}

	var helpers []string
	for _, e := range entries {
		name := e.Name()
		if name == hostBSDName || !strings.HasPrefix(name, prefix) {
			continue
		}
		if diskPrefix(name) != prefix {
			continue
		}
		full := filepath.Join("/dev", name)
		var st unix.Stat_t
		if err := unix.Stat(full, &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		helpers = append(helpers, name)
	}
	return helpers, nil
}

// PartitionSizeBytes returns the size, in bytes, of the block device node
// at devPath, used to enforce the 128MiB helper
// partition floor (spec.md §4.1 step 1).
func PartitionSizeBytes(devPath string) (int64, error) {
	f, err := os.Open(devPath)
	if err != nil {
		return 0, errors.Wrapf(err, "diskinfo: opening %s", devPath)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrapf(err, "diskinfo: seeking %s", devPath)
	}
	return size, nil
}
