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
package diskinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/bootcachesd/system"
)

func TestHasOpt(t *testing.T) {
	assert.True(t, hasOpt("rw,relatime", "rw"))
	assert.False(t, hasOpt("ro,relatime", "rw"))
	assert.False(t, hasOpt("", "rw"))
}

func TestListVolumesSkipsPseudoFilesystems(t *testing.T) {
	a := New(system.OsCalls{})
	vols, err := a.ListVolumes()
	require.NoError(t, err)

	for _, v := range vols {
		assert.NotEmpty(t, v.BSDName)
		assert.NotEmpty(t, v.MountPoint)
	}
}

func TestLookupSymlinkTargetMissingDirReturnsEmpty(t *testing.T) {
	got := lookupSymlinkTarget("/no/such/dir/by-uuid", "sda1")
	assert.Equal(t, "", got)
}

func TestDeviceFromDevNotFound(t *testing.T) {
	_, err := deviceFromDev(^uint64(0))
	assert.Error(t, err)
}

type fakeCommander struct {
	calls [][]string
	err   error
}

func (f *fakeCommander) Command(name string, arg ...string) *system.Cmd {
	f.calls = append(f.calls, append([]string{name}, arg...))
	return system.Command("true")
}

func TestMountHelperShellsOutToMount(t *testing.T) {
	fc := &fakeCommander{}
	a := New(fc)

	mp, err := a.MountHelper("sda2")
	require.NoError(t, err)
	defer a.UnmountHelper(mp)

	require.Len(t, fc.calls, 1)
	assert.Equal(t, "mount", fc.calls[0][0])
	assert.Contains(t, fc.calls[0], "/dev/sda2")
}

func TestDiskPrefixStripsPartitionSuffix(t *testing.T) {
	assert.Equal(t, "disk2", diskPrefix("disk2s1"))
	assert.Equal(t, "nvme0n1", diskPrefix("nvme0n1p3"))
	assert.Equal(t, "sda", diskPrefix("sda"))
}

func TestHelperPartitionsRejectsNameWithoutSuffix(t *testing.T) {
	a := New(system.OsCalls{})
	_, err := a.HelperPartitions("sda")
	assert.Error(t, err)
}

func TestHelperPartitionsExcludesHostAndUnrelatedDisks(t *testing.T) {
	a := New(system.OsCalls{})
	helpers, err := a.HelperPartitions("loop0p1")
	require.NoError(t, err)
	for _, h := range helpers {
		assert.NotEqual(t, "loop0p1", h)
		assert.Equal(t, "loop0", diskPrefix(h))
	}
}

func TestUnmountHelperShellsOutToUmount(t *testing.T) {
	fc := &fakeCommander{}
	a := New(fc)

	mp, err := a.MountHelper("sda2")
	require.NoError(t, err)

	err = a.UnmountHelper(mp)
	require.NoError(t, err)

	require.Len(t, fc.calls, 2)
	assert.Equal(t, "umount", fc.calls[1][0])
	assert.Equal(t, mp, fc.calls[1][1])
}
