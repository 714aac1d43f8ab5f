package bootcaches

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteBootConfigInsertsUUID(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "com.apple.Boot.plist")
	require.NoError(t, os.WriteFile(src, []byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>Kernel Flags</key>
	<string>-v</string>
</dict>
</plist>
`), 0644))

	dst := filepath.Join(dir, "staged", "com.apple.Boot.plist")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	require.NoError(t, RewriteBootConfig(src, dst, "ABCD-1234"))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()

	dict, err := decodePlist(f)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", dict[VolumeUUIDKey])
	assert.Equal(t, "-v", dict["Kernel Flags"])
}

func TestEncodeDecodePlistRoundTrip(t *testing.T) {
	dict := map[string]interface{}{
		"DiskLabel":       "System/Library/CoreServices/.disk_label",
		"AdditionalPaths": []string{"a/b", "c/d"},
		"Nested": map[string]interface{}{
			"Path": "x/y",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, encodePlist(&buf, dict))

	got, err := decodePlist(&buf)
	require.NoError(t, err)

	assert.Equal(t, dict["DiskLabel"], got["DiskLabel"])
	assert.Equal(t, dict["Nested"], got["Nested"])
	gotArr, ok := got["AdditionalPaths"].([]interface{})
	require.True(t, ok)
	require.Len(t, gotArr, 2)
	assert.Equal(t, "a/b", gotArr[0])
	assert.Equal(t, "c/d", gotArr[1])
}
