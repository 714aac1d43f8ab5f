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

// Package safepath confines every mutating filesystem primitive to a single
// volume, identified by a scope file descriptor. An operation only succeeds
// if the parent directory of its target resides on the same device as the
// scope — this defeats symlink and mount-swap redirection attacks against a
// volume that is nominally ours to write to but whose directory tree an
// attacker (or a racing unmount/remount) could otherwise redirect.
package safepath

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrScopeViolation is returned whenever a target's parent directory does
// not reside on the scope descriptor's device.
var ErrScopeViolation = errors.New("safepath: target is not on the scope volume")

// Scope witnesses that a volume exists and identifies it by device id. It
// does no I/O of its own; Fd is held open only so its st_dev stays valid for
// the lifetime of the scope (the volume can't be unmounted and replaced by
// something else at the same path without this descriptor going stale).
type Scope struct {
	Fd   *os.File
	dev  uint64
	root string
}

// Open creates a Scope witnessing the device that root resides on. The
// caller must Close the returned Scope when it is no longer needed.
func Open(root string) (*Scope, error) {
	fd, err := os.OpenFile(root, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "safepath: opening scope root %s", root)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(fd.Fd()), &st); err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "safepath: fstat scope root %s", root)
	}
	return &Scope{Fd: fd, dev: st.Dev, root: root}, nil
}

// Close releases the scope's witness descriptor.
func (s *Scope) Close() error {
	return s.Fd.Close()
}

// Dev returns the scope's device id, mainly for tests.
func (s *Scope) Dev() uint64 { return s.dev }

// prologue resolves the parent directory of target, opens it read-only,
// checks its device id against the scope, and returns (a descriptor on the
// parent, the target's base name, a restore function). The restore function
// must always be called, on every return path, per spec.
func (s *Scope) prologue(target string) (parent *os.File, base string, restore func(), err error) {
	dir := filepath.Dir(target)
	base = filepath.Base(target)

	parent, err = os.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return nil, "", func() {}, errors.Wrapf(err, "safepath: opening parent of %s", target)
	}

	var pst unix.Stat_t
	if err := unix.Fstat(int(parent.Fd()), &pst); err != nil {
		parent.Close()
		return nil, "", func() {}, errors.Wrapf(err, "safepath: fstat parent of %s", target)
	}
	if pst.Dev != s.dev {
		parent.Close()
		return nil, "", func() {}, errors.Wrapf(ErrScopeViolation, "parent of %s", target)
	}

	cwd, err := os.Open(".")
	if err != nil {
		parent.Close()
		return nil, "", func() {}, errors.Wrap(err, "safepath: opening cwd restore handle")
	}
	if err := unix.Fchdir(int(parent.Fd())); err != nil {
		cwd.Close()
		parent.Close()
		return nil, "", func() {}, errors.Wrapf(err, "safepath: fchdir into parent of %s", target)
	}

	restore = func() {
		unix.Fchdir(int(cwd.Fd()))
		cwd.Close()
		parent.Close()
	}
	return parent, base, restore, nil
}

// Open opens target (a path inside the scope's volume) relative to its
// confinement-checked parent. O_CREAT always implies O_EXCL, so a
// symlink planted by an attacker at the target name can never be followed.
func (s *Scope) Open(target string, flags int, mode os.FileMode) (*os.File, error) {
	_, base, restore, err := s.prologue(target)
	if err != nil {
		return nil, err
	}
	defer restore()

	if flags&os.O_CREATE != 0 {
		flags |= os.O_EXCL
	}
	return os.OpenFile(base, flags, mode)
}

// Mkdir creates target as a directory.
func (s *Scope) Mkdir(target string, mode os.FileMode) error {
	_, base, restore, err := s.prologue(target)
	if err != nil {
		return err
	}
	defer restore()
	return os.Mkdir(base, mode)
}

// Rmdir removes the (empty) directory at target.
func (s *Scope) Rmdir(target string) error {
	_, base, restore, err := s.prologue(target)
	if err != nil {
		return err
	}
	defer restore()
	return unix.Rmdir(base)
}

// Unlink removes the file at target.
func (s *Scope) Unlink(target string) error {
	_, base, restore, err := s.prologue(target)
	if err != nil {
		return err
	}
	defer restore()
	err = unix.Unlink(base)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Rename renames oldTarget to newTarget. Both must be in the scope; the
// rename itself is resolved relative to oldTarget's (confinement-checked)
// parent, and newTarget must live in the same directory as oldTarget for
// this single-syscall rename to apply — callers needing to move between
// directories issue Rename per directory level as spec's activation steps
// do (each rename is a same-directory rotation-slot or .new/.old suffix
// swap).
func (s *Scope) Rename(oldTarget, newTarget string) error {
	if filepath.Dir(oldTarget) != filepath.Dir(newTarget) {
		return errors.Errorf("safepath: rename %s -> %s crosses directories", oldTarget, newTarget)
	}
	_, oldBase, restore, err := s.prologue(oldTarget)
	if err != nil {
		return err
	}
	defer restore()
	return os.Rename(oldBase, filepath.Base(newTarget))
}

// DeepMkdir recursively creates target and any missing parents, within the
// scope, with mode applied to every created component. Existing
// non-directory components fail with syscall.ENOTDIR.
func (s *Scope) DeepMkdir(target string, mode os.FileMode) error {
	if err := s.Mkdir(target, mode); err != nil {
		if os.IsExist(err) {
			var st unix.Stat_t
			if serr := unix.Stat(target, &st); serr == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
				return nil
			}
			return errors.Wrapf(unix.ENOTDIR, "safepath: %s exists and is not a directory", target)
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(target)
		if parent == target {
			return err
		}
		if perr := s.DeepMkdir(parent, mode); perr != nil {
			return perr
		}
		return s.Mkdir(target, mode)
	}
	return nil
}

// DeepUnlink recursively removes target within the scope. It never follows
// symlinks (removing the link itself) and never crosses devices — a mount
// point found beneath target is left untouched and reported as an error
// rather than recursed into.
func (s *Scope) DeepUnlink(target string) error {
	var lst unix.Stat_t
	if err := unix.Lstat(target, &lst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "safepath: lstat %s", target)
	}

	if lst.Mode&unix.S_IFMT != unix.S_IFDIR {
		return s.Unlink(target)
	}

	if lst.Dev != s.dev {
		return errors.Wrapf(ErrScopeViolation, "%s is a mount point", target)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return errors.Wrapf(err, "safepath: reading dir %s", target)
	}
	for _, e := range entries {
		if err := s.DeepUnlink(filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}
	return s.Rmdir(target)
}

// maxCopyChunk bounds the intermediate buffer used by CopyFile.
const maxCopyChunk = 64 * 1024

// CopyFile copies src (outside the scope, on the host volume) to dst (inside
// the scope) using a fixed intermediate buffer. The destination is created
// with the source's mode OR-ed with owner-write; the final mode is applied
// via the destination descriptor after data is written. Any missing
// intermediate directories in dst are created with mode srcMode OR-ed with
// owner write/execute, and group/other execute mirroring group/other read.
func (s *Scope) CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "safepath: opening copy source %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "safepath: stat copy source %s", src)
	}
	if info.Size() == 0 {
		return errors.Errorf("safepath: refusing to copy zero-length source %s", src)
	}

	if err := s.DeepMkdir(filepath.Dir(dst), dirModeFor(info.Mode())); err != nil {
		return err
	}

	if err := s.Unlink(dst); err != nil {
		return err
	}

	mode := info.Mode().Perm() | 0200
	out, err := s.Open(dst, os.O_WRONLY|os.O_CREATE, mode)
	if err != nil {
		return errors.Wrapf(err, "safepath: creating copy destination %s", dst)
	}
	defer out.Close()

	buf := make([]byte, maxCopyChunk)
	if _, err := copyBuffered(out, in, buf); err != nil {
		return errors.Wrapf(err, "safepath: copying %s -> %s", src, dst)
	}

	return out.Chmod(info.Mode().Perm())
}

func copyBuffered(dst *os.File, src *os.File, buf []byte) (int64, error) {
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w != n {
				return total, errors.New("safepath: short write")
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

// dirModeFor derives an intermediate directory's mode from a source file's
// mode: owner write+execute are always added, and group/other execute is
// added wherever group/other read is set (so a world-readable source file
// yields a world-traversable directory, without granting write).
func dirModeFor(srcMode os.FileMode) os.FileMode {
	perm := srcMode.Perm() | 0300
	if perm&0040 != 0 {
		perm |= 0010
	}
	if perm&0004 != 0 {
		perm |= 0001
	}
	return perm
}
