// Package fsops contains the filesystem primitives shared by the
// reconciliation plugins: observing a node, hashing content, resolving
// owners and applying ownership recursively.
package fsops

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

// Node is the observed node type at a path.
type Node int

const (
	NodeMissing Node = iota
	NodeFile
	NodeDir
	NodeSymlink
	NodeOther
)

func (n Node) String() string {
	switch n {
	case NodeFile:
		return "file"
	case NodeDir:
		return "directory"
	case NodeSymlink:
		return "symlink"
	case NodeOther:
		return "other"
	default:
		return "missing"
	}
}

// Observation is the observed state of a single path. Symlinks are never
// followed.
type Observation struct {
	Path       string
	Node       Node
	Mode       os.FileMode
	UID        int
	GID        int
	Hash       string
	LinkTarget string
}

// Exists reports whether anything, including a dangling symlink, is at the
// observed path.
func (o Observation) Exists() bool {
	return o.Node != NodeMissing
}

// Observe lstat's path. When hash is set and the node is a regular file, its
// sha256 is computed as well.
func Observe(path string, hash bool) (Observation, error) {
	obs := Observation{Path: path, UID: -1, GID: -1}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return obs, nil
	}
	if err != nil {
		return obs, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	obs.Mode = info.Mode().Perm() | (info.Mode() & (os.ModeSetuid | os.ModeSetgid | os.ModeSticky))
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		obs.UID = int(stat.Uid)
		obs.GID = int(stat.Gid)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		obs.Node = NodeSymlink
		if obs.LinkTarget, err = os.Readlink(path); err != nil {
			return obs, fmt.Errorf("failed to read link %s: %w", path, err)
		}
	case info.IsDir():
		obs.Node = NodeDir
	case info.Mode().IsRegular():
		obs.Node = NodeFile
		if hash {
			if obs.Hash, err = HashFile(path); err != nil {
				return obs, err
			}
		}
	default:
		obs.Node = NodeOther
	}

	return obs, nil
}

// Exists reports whether path exists without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// WriteFile replaces path with data through a temporary file in the same
// directory, so readers never see a partial file. A zero mode keeps the mode
// of the file being replaced, or 0644 for a new one.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
		if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() {
			mode = info.Mode().Perm()
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// CopyFile copies the content of src into dst, creating it with mode.
func CopyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	return WriteFile(dst, data, mode)
}

// LookupUID resolves a user name or numeric id. Empty resolves to -1, which
// chown treats as "unchanged".
func LookupUID(owner string) (int, error) {
	if owner == "" {
		return -1, nil
	}
	if id, err := strconv.Atoi(owner); err == nil {
		return id, nil
	}
	u, err := user.Lookup(owner)
	if err != nil {
		return -1, fmt.Errorf("unknown user %q: %w", owner, err)
	}
	return strconv.Atoi(u.Uid)
}

// LookupGID resolves a group name or numeric id. Empty resolves to -1.
func LookupGID(group string) (int, error) {
	if group == "" {
		return -1, nil
	}
	if id, err := strconv.Atoi(group); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return -1, fmt.Errorf("unknown group %q: %w", group, err)
	}
	return strconv.Atoi(g.Gid)
}

// ResolveOwnership resolves both owner and group.
func ResolveOwnership(owner, group string) (uid, gid int, err error) {
	if uid, err = LookupUID(owner); err != nil {
		return -1, -1, err
	}
	if gid, err = LookupGID(group); err != nil {
		return -1, -1, err
	}
	return uid, gid, nil
}

// NeedsChown reports whether an observation differs from the wanted ids.
// A negative wanted id never differs.
func NeedsChown(obs Observation, uid, gid int) bool {
	return (uid >= 0 && obs.UID != uid) || (gid >= 0 && obs.GID != gid)
}

// ChownRecursive applies uid/gid to root and everything below it without
// following symlinks. It returns the number of nodes whose ownership changed.
func ChownRecursive(root string, uid, gid int) (int, error) {
	if uid < 0 && gid < 0 {
		return 0, nil
	}

	changed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		obs, err := Observe(path, false)
		if err != nil {
			return err
		}
		if !NeedsChown(obs, uid, gid) {
			return nil
		}
		if err := os.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
		changed++
		return nil
	})
	return changed, err
}

// RemoveAll removes path and reports whether anything was there.
func RemoveAll(path string) (bool, error) {
	if !Exists(path) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return true, nil
}

// Symlink makes path a symlink to target. An existing symlink with the same
// target is left alone; anything else at path is removed first. It reports
// whether a change was made.
func Symlink(target, path string) (bool, error) {
	obs, err := Observe(path, false)
	if err != nil {
		return false, err
	}
	if obs.Node == NodeSymlink && obs.LinkTarget == target {
		return false, nil
	}
	if obs.Exists() {
		if err := os.RemoveAll(path); err != nil {
			return false, fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return false, fmt.Errorf("failed to link %s: %w", path, err)
	}
	return true, nil
}
