package system

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOsCallsCommandRuns(t *testing.T) {
	var oc OsCalls
	cmd := oc.Command("true")
	require.NotNil(t, cmd)
	assert.NoError(t, cmd.Run())
}

func TestOsCallsStat(t *testing.T) {
	var oc OsCalls
	info, err := oc.Stat(os.TempDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

type fakeCommander struct {
	called string
}

func (f *fakeCommander) Command(name string, arg ...string) *Cmd {
	f.called = name
	return Command("true")
}

func TestCommanderIndirection(t *testing.T) {
	var c Commander = &fakeCommander{}
	cmd := c.Command("mount", "-t", "msdos")
	assert.NoError(t, cmd.Run())
}
