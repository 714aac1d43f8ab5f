// Copyright 2021 Northern.tech AS
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

// Package system wraps process execution behind an interface so the
// daemon's collaborators (diskinfo) can be exercised in tests without
// invoking real mount/umount binaries.
package system

import (
	"os"
	"os/exec"
)

// Commander abstracts exec.Command so callers can be given a fake in tests.
type Commander interface {
	Command(name string, arg ...string) *Cmd
}

// Cmd wraps *exec.Cmd, matching the signature subset callers need.
type Cmd struct {
	*exec.Cmd
}

func (c *Cmd) CombinedOutput() ([]byte, error) {
	c.Stdout = nil
	c.Stderr = nil
	return c.Cmd.CombinedOutput()
}

// Command builds a *Cmd the way OsCalls.Command does, usable directly by
// callers that don't need the Commander indirection.
func Command(name string, arg ...string) *Cmd {
	var cmd Cmd
	cmd.Cmd = exec.Command(name, arg...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return &cmd
}

// OsCalls is the real Commander, shelling out to the host's mount and
// umount binaries.
type OsCalls struct{}

func (OsCalls) Command(name string, arg ...string) *Cmd {
	return Command(name, arg...)
}

// Stat is os.Stat.
func (OsCalls) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}
