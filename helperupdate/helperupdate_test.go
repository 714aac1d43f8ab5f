package helperupdate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/bootcachesd/bootcaches"
	"github.com/mendersoftware/bootcachesd/diskinfo"
	"github.com/mendersoftware/bootcachesd/safepath"
	"github.com/mendersoftware/bootcachesd/staleness"
)

type fakeArbiter struct {
	mountPoint string
	unmounted  bool
}

func (f *fakeArbiter) ListVolumes() ([]diskinfo.Volume, error) { return nil, nil }
func (f *fakeArbiter) Identify(dev uint64) (string, string, error) {
	return "", "", nil
}
func (f *fakeArbiter) MountHelper(bsdName string) (string, error) { return f.mountPoint, nil }
func (f *fakeArbiter) UnmountHelper(mountPoint string) error {
	f.unmounted = true
	return nil
}
func (f *fakeArbiter) HelperPartitions(hostBSDName string) ([]string, error) {
	return nil, nil
}

func newTestBootCaches(t *testing.T, hostRoot string) *bootcaches.BootCaches {
	t.Helper()
	scope, err := safepath.Open(hostRoot)
	require.NoError(t, err)
	t.Cleanup(func() { scope.Close() })

	label := &bootcaches.CachedPath{RPath: ".disk_label"}
	return &bootcaches.BootCaches{
		Root:     hostRoot,
		VolUUID:  "ABCD-1234",
		VolLabel: "Macintosh HD",
		Scope:    scope,
		RPS: []*bootcaches.CachedPath{
			{RPath: "System/Library/Extensions.mkext"},
		},
		Misc:  []*bootcaches.CachedPath{label},
		Label: label,
	}
}

func TestUpdateHelperFreshInstallStagesIntoR(t *testing.T) {
	hostRoot := t.TempDir()
	helperRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(hostRoot, "System", "Library"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, "System", "Library", "Extensions.mkext"), []byte("mkext-bytes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, ".disk_label"), []byte("ignored"), 0644))

	bc := newTestBootCaches(t, hostRoot)
	arb := &fakeArbiter{mountPoint: helperRoot}
	u := New(arb, 0)

	rep := staleness.Report{Any: true, RPS: true, Misc: true}
	err := u.UpdateHelper("diskX", bc, rep)
	require.NoError(t, err)

	assert.True(t, arb.unmounted)

	// None present initially -> next=R: staged into R.
	staged := filepath.Join(helperRoot, "com.apple.boot.R", "System", "Library", "Extensions.mkext")
	b, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "mkext-bytes", string(b))

	active, ok := readActiveRPSMarker(helperRoot)
	require.True(t, ok)
	assert.Equal(t, "com.apple.boot.R", active)

	// P (previous) never existed: deep-unlink was a no-op, not an error.
	_, err = os.Stat(filepath.Join(helperRoot, "com.apple.boot.P"))
	assert.True(t, os.IsNotExist(err))

	labelContent, err := os.ReadFile(filepath.Join(helperRoot, ".disk_label"))
	require.NoError(t, err)
	assert.Equal(t, "Macintosh HD 1", string(labelContent))

	detail, err := os.ReadFile(filepath.Join(helperRoot, ".disk_label.contentDetails"))
	require.NoError(t, err)
	assert.Equal(t, "Macintosh HD 1", string(detail))
}

func TestUpdateHelperRPresentOnlyRotatesIntoP(t *testing.T) {
	hostRoot := t.TempDir()
	helperRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(hostRoot, "System", "Library"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, "System", "Library", "Extensions.mkext"), []byte("new-bytes"), 0644))

	require.NoError(t, os.MkdirAll(filepath.Join(helperRoot, "com.apple.boot.R"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(helperRoot, "com.apple.boot.R", "stale"), []byte("old-bytes"), 0644))

	bc := newTestBootCaches(t, hostRoot)
	bc.Misc = nil
	bc.Label = nil
	arb := &fakeArbiter{mountPoint: helperRoot}
	u := New(arb, 0)

	err := u.UpdateHelper("diskX", bc, staleness.Report{Any: true, RPS: true})
	require.NoError(t, err)

	// Staged and activated into P, R (the only slot present beforehand)
	// deep-unlinked at cleanup: exactly one RPS directory remains.
	staged := filepath.Join(helperRoot, "com.apple.boot.P", "System", "Library", "Extensions.mkext")
	b, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "new-bytes", string(b))

	active, ok := readActiveRPSMarker(helperRoot)
	require.True(t, ok)
	assert.Equal(t, "com.apple.boot.P", active)

	_, err = os.Stat(filepath.Join(helperRoot, "com.apple.boot.R"))
	assert.True(t, os.IsNotExist(err), "R must be removed, leaving exactly one RPS directory")
}

func TestUpdateHelperRAndPPresentRotatesIntoSKeepsR(t *testing.T) {
	hostRoot := t.TempDir()
	helperRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(hostRoot, "System", "Library"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, "System", "Library", "Extensions.mkext"), []byte("new-bytes"), 0644))

	require.NoError(t, os.MkdirAll(filepath.Join(helperRoot, "com.apple.boot.R"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(helperRoot, "com.apple.boot.R", "active"), []byte("r-active"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(helperRoot, "com.apple.boot.P"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(helperRoot, "com.apple.boot.P", "stale"), []byte("p-stale"), 0644))

	bc := newTestBootCaches(t, hostRoot)
	bc.Misc = nil
	bc.Label = nil
	arb := &fakeArbiter{mountPoint: helperRoot}
	u := New(arb, 0)

	err := u.UpdateHelper("diskX", bc, staleness.Report{Any: true, RPS: true})
	require.NoError(t, err)

	// Staged and activated into S; R (old active) is left untouched; P
	// (the stale leftover) is deep-unlinked. Final set = {R, S}.
	staged := filepath.Join(helperRoot, "com.apple.boot.S", "System", "Library", "Extensions.mkext")
	b, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "new-bytes", string(b))

	rContent, err := os.ReadFile(filepath.Join(helperRoot, "com.apple.boot.R", "active"))
	require.NoError(t, err)
	assert.Equal(t, "r-active", string(rContent))

	active, ok := readActiveRPSMarker(helperRoot)
	require.True(t, ok)
	assert.Equal(t, "com.apple.boot.S", active)

	_, err = os.Stat(filepath.Join(helperRoot, "com.apple.boot.P"))
	assert.True(t, os.IsNotExist(err), "P must be removed")
}

func TestUpdateHelperRejectsZeroLengthRPSSource(t *testing.T) {
	hostRoot := t.TempDir()
	helperRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(hostRoot, "System", "Library"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, "System", "Library", "Extensions.mkext"), nil, 0644))

	bc := newTestBootCaches(t, hostRoot)
	arb := &fakeArbiter{mountPoint: helperRoot}
	u := New(arb, 0)

	err := u.UpdateHelper("diskX", bc, staleness.Report{Any: true, RPS: true})
	assert.Error(t, err)
	assert.True(t, arb.unmounted)
}

func TestUpdateHelperRollsBackOnBooterStagingFailure(t *testing.T) {
	hostRoot := t.TempDir()
	helperRoot := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, ".disk_label"), []byte("ignored"), 0644))

	bc := newTestBootCaches(t, hostRoot)
	bc.RPS = nil
	bc.EFIBooter = &bootcaches.CachedPath{RPath: "System/Library/CoreServices/boot.efi"} // source missing on host

	arb := &fakeArbiter{mountPoint: helperRoot}
	u := New(arb, 0)

	err := u.UpdateHelper("diskX", bc, staleness.Report{Any: true, Misc: true, Booters: true})
	require.Error(t, err)
	assert.True(t, arb.unmounted)

	// Staging failed before any booter destination was created.
	_, statErr := os.Stat(filepath.Join(helperRoot, "System", "Library", "CoreServices", "boot.efi"))
	assert.True(t, os.IsNotExist(statErr))

	// Rollback cursor was at stateCopyingEFI < stateCopiedBooters: labels
	// were rewritten rather than any booter fallback restored.
	labelContent, err := os.ReadFile(filepath.Join(helperRoot, ".disk_label"))
	require.NoError(t, err)
	assert.Equal(t, "Macintosh HD 1", string(labelContent))
}

func TestUpdateHelperNoOpWhenNothingStale(t *testing.T) {
	hostRoot := t.TempDir()
	helperRoot := t.TempDir()

	bc := newTestBootCaches(t, hostRoot)
	bc.RPS = nil
	bc.Misc = nil
	bc.Label = nil

	arb := &fakeArbiter{mountPoint: helperRoot}
	u := New(arb, 0)

	err := u.UpdateHelper("diskX", bc, staleness.Report{})
	require.NoError(t, err)
	assert.True(t, arb.unmounted)

	entries, err := os.ReadDir(helperRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
