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

// Package builder forks the external cache-builder process (kextcache in
// spec.md §6) and reports its outcome. The runtime has no raw fork(2);
// RunSync and RunAsync approximate the double-fork-to-avoid-zombies idiom with
// syscall.SysProcAttr{Setsid: true} plus a background reaper goroutine for
// asynchronous invocations.
package builder

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ExTempfail mirrors sysexits.h's EX_TEMPFAIL, the builder's "not done yet,
// call me again" exit code (spec.md §4.6, §6).
const ExTempfail = 75

// Result carries a finished builder invocation's outcome.
type Result struct {
	ExitCode int
	Tempfail bool
}

// MKextArgs builds the argv for a mkext (re)build: `-a <arch>` repeated,
// `-l`, `-m <mkext-absolute-path>`, `<extensions-absolute-path>`.
func MKextArgs(archs []string, mkextPath, extensionsPath string) []string {
	args := make([]string, 0, len(archs)*2+3)
	for _, a := range archs {
		args = append(args, "-a", a)
	}
	args = append(args, "-l", "-m", mkextPath, extensionsPath)
	return args
}

// HelperUpdateArgs builds the argv for a helper-update build: `-u
// <volume-root>` with optional `-f` (force).
func HelperUpdateArgs(volumeRoot string, force bool) []string {
	args := []string{"-u", volumeRoot}
	if force {
		args = append(args, "-f")
	}
	return args
}

// RunSync forks the builder and waits for it inline, for the synchronous
// helper-update-build case (spec.md §8 scenario 4). The child's TMPDIR is
// set to bootstampDir so its atomic rename-into-place lands on the target
// volume.
func RunSync(ctx context.Context, builderPath string, args []string, bootstampDir string) (Result, error) {
	cmd := exec.CommandContext(ctx, builderPath, args...)
	prepareChild(cmd, bootstampDir)

	err := cmd.Run()
	return resultFromErr(cmd, err)
}

// RunAsync forks the builder and reaps it in the background, for the
// asynchronous mkext-rebuild case. done receives the result once the
// process exits; it is never blocked on by the caller.
func RunAsync(builderPath string, args []string, bootstampDir string, done chan<- Result) {
	cmd := exec.Command(builderPath, args...)
	prepareChild(cmd, bootstampDir)

	if err := cmd.Start(); err != nil {
		log.WithError(err).WithField("builder", builderPath).Error("builder: failed to start")
		done <- Result{ExitCode: -1}
		return
	}

	go func() {
		err := cmd.Wait()
		res, _ := resultFromErr(cmd, err)
		done <- res
	}()
}

// prepareChild detaches the child into its own session (Setsid) so it
// survives independently of this process's process group, and points its
// TMPDIR at the volume's bootstamp directory.
func prepareChild(cmd *exec.Cmd, bootstampDir string) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = append(os.Environ(), "TMPDIR="+bootstampDir)
	cmd.Stdout = nil
	cmd.Stderr = nil
}

func resultFromErr(cmd *exec.Cmd, err error) (Result, error) {
	if err == nil {
		return Result{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return Result{ExitCode: code, Tempfail: code == ExTempfail}, nil
	}
	return Result{ExitCode: -1}, errors.Wrapf(err, "builder: running %s", cmd.Path)
}
