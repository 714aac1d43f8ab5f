package volumewatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/bootcachesd/bootcaches"
	"github.com/mendersoftware/bootcachesd/conf"
	"github.com/mendersoftware/bootcachesd/diskinfo"
	"github.com/mendersoftware/bootcachesd/helperupdate"
	"github.com/mendersoftware/bootcachesd/lockarbiter"
)

type stubArbiter struct {
	vols             []diskinfo.Volume
	helperPartsCalls int
}

func (s *stubArbiter) ListVolumes() ([]diskinfo.Volume, error) { return s.vols, nil }
func (s *stubArbiter) Identify(dev uint64) (string, string, error) {
	return "VOL-UUID", "Macintosh HD", nil
}
func (s *stubArbiter) MountHelper(bsdName string) (string, error) { return "", nil }
func (s *stubArbiter) UnmountHelper(mountPoint string) error      { return nil }
func (s *stubArbiter) HelperPartitions(hostBSDName string) ([]string, error) {
	s.helperPartsCalls++
	return nil, nil
}

type externalEndpoint struct{ id string }

func (e *externalEndpoint) ID() string    { return e.id }
func (e *externalEndpoint) Notify(func()) {}

func newTestController(t *testing.T, arb diskinfo.Arbiter) *Controller {
	t.Helper()
	cfg := conf.NewConfig()
	cfg.DiskPollInterval = time.Hour
	cfg.SettleDelay = 10 * time.Millisecond
	updater := helperupdate.New(arb, 0)
	return New(cfg, arb, updater)
}

func writeMinimalDescriptor(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "usr", "standalone")
	require.NoError(t, os.MkdirAll(dir, 0755))
	plist := `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>PreBootPaths</key>
	<dict>
		<key>DiskLabel</key>
		<string>.disk_label</string>
	</dict>
</dict>
</plist>
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootcaches.plist"), []byte(plist), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".disk_label"), []byte("Macintosh HD"), 0644))
}

func TestIsIgnoredMatchesGlob(t *testing.T) {
	c := newTestController(t, &stubArbiter{})
	c.cfg.IgnoreBSDNamePatterns = []string{"disk0*", "disk9s1"}

	assert.True(t, c.isIgnored("disk0s1"))
	assert.True(t, c.isIgnored("disk9s1"))
	assert.False(t, c.isIgnored("disk1s2"))
}

func TestAppearedRegistersVolumeAndDisappearedRemovesIt(t *testing.T) {
	root := t.TempDir()
	writeMinimalDescriptor(t, root)

	arb := &stubArbiter{}
	c := newTestController(t, arb)

	v := diskinfo.Volume{BSDName: "disk2s1", MountPoint: root, Dev: 7, Writable: true}
	c.appeared(v)
	require.Contains(t, c.vols, "disk2s1")
	assert.Equal(t, root, c.vols["disk2s1"].MountPoint)

	c.disappeared("disk2s1")
	assert.NotContains(t, c.vols, "disk2s1")
}

func TestAppearedSkipsReadOnlyAndNetworkVolumes(t *testing.T) {
	root := t.TempDir()
	writeMinimalDescriptor(t, root)

	c := newTestController(t, &stubArbiter{})

	c.appeared(diskinfo.Volume{BSDName: "diskRO", MountPoint: root, Writable: false})
	assert.NotContains(t, c.vols, "diskRO")

	c.appeared(diskinfo.Volume{BSDName: "diskNet", MountPoint: root, Writable: true, Network: true})
	assert.NotContains(t, c.vols, "diskNet")
}

func TestAppearedSkipsIgnoredBSDName(t *testing.T) {
	root := t.TempDir()
	writeMinimalDescriptor(t, root)

	c := newTestController(t, &stubArbiter{})
	c.cfg.IgnoreBSDNamePatterns = []string{"disk3*"}

	c.appeared(diskinfo.Volume{BSDName: "disk3s1", MountPoint: root, Writable: true})
	assert.NotContains(t, c.vols, "disk3s1")
}

func TestCanUnmountAllowsUnwatchedVolume(t *testing.T) {
	c := newTestController(t, &stubArbiter{})
	ok, err := c.CanUnmount("diskZ")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanUnmountDeniesLockedVolume(t *testing.T) {
	root := t.TempDir()
	writeMinimalDescriptor(t, root)

	c := newTestController(t, &stubArbiter{})
	c.appeared(diskinfo.Volume{BSDName: "disk4s1", MountPoint: root, Writable: true})
	require.Contains(t, c.vols, "disk4s1")

	c.SetLocked("disk4s1", true)
	ok, err := c.CanUnmount("disk4s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrCountReportsZeroForUnwatchedVolume(t *testing.T) {
	c := newTestController(t, &stubArbiter{})
	count, ok := c.ErrCount("diskZ")
	assert.False(t, ok)
	assert.Equal(t, 0, count)
}

func TestOnSettleDefersRebuildWhileVolumeLockHeldByAnotherEndpoint(t *testing.T) {
	root := t.TempDir()
	writeMinimalDescriptor(t, root)

	arb := &stubArbiter{}
	c := newTestController(t, arb)
	locks := lockarbiter.New(c, 5)
	c.SetLockArbiter(locks)

	c.appeared(diskinfo.Volume{BSDName: "disk6s1", MountPoint: root, Writable: true})
	require.Contains(t, c.vols, "disk6s1")

	// An external client already holds the per-volume lock (the
	// .disk_label misc path is stale and makes rep.Any true: no bootstamp
	// has ever been committed for this freshly-appeared volume).
	require.NoError(t, locks.AcquireVolume("disk6s1", &externalEndpoint{id: "external-client"}))

	c.onSettle("disk6s1")

	assert.Zero(t, arb.helperPartsCalls, "rebuild must not start while another endpoint holds the volume lock")
	count, ok := c.ErrCount("disk6s1")
	assert.True(t, ok)
	assert.Zero(t, count)
}

func TestPollDisksAddsAndRemovesVolumes(t *testing.T) {
	root := t.TempDir()
	writeMinimalDescriptor(t, root)

	arb := &stubArbiter{vols: []diskinfo.Volume{
		{BSDName: "disk5s1", MountPoint: root, Writable: true},
	}}
	c := newTestController(t, arb)

	c.pollDisks()
	require.Contains(t, c.vols, "disk5s1")

	arb.vols = nil
	c.pollDisks()
	assert.NotContains(t, c.vols, "disk5s1")
}
