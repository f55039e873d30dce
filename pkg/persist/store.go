// Package persist moves opaque state blobs between a control-side store and
// the managed node. Restore materializes blobs by piping them into commands
// or unpacking archives; capture is the inverse.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

// Key addresses a blob as namespace/name.
type Key struct {
	Namespace string
	Name      string
}

// ParseKey parses "namespace/name". Absolute keys and keys with any other
// number of components are rejected.
func ParseKey(raw string) (Key, error) {
	invalid := func() (Key, error) {
		return Key{}, engine.NewValidationError(
			fmt.Sprintf("expected key in format 'namespace/name', got '%s'", raw), nil).WithResource(raw)
	}

	if strings.HasPrefix(raw, "/") {
		return invalid()
	}
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return invalid()
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return invalid()
		}
	}
	return Key{Namespace: parts[0], Name: parts[1]}, nil
}

// String returns the key as namespace/name.
func (k Key) String() string {
	return path.Join(k.Namespace, k.Name)
}

// Store is the control-side blob store rooted at an existing directory.
// Namespace directories and blobs inherit the root's mode and ownership.
type Store struct {
	fs   billy.Filesystem
	root string

	dirMode  os.FileMode
	fileMode os.FileMode
	uid      int
	gid      int
}

// OpenStore opens the store at root, which must be an existing directory.
func OpenStore(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, engine.NewValidationError("persist directory must exist", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(root)
	}

	s := &Store{
		fs:   osfs.New(root),
		root: root,
		uid:  -1,
		gid:  -1,
	}
	s.dirMode = info.Mode().Perm() | (info.Mode() & (os.ModeSetuid | os.ModeSetgid))
	s.fileMode = info.Mode().Perm() &^ 0o111
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		s.uid = int(st.Uid)
		s.gid = int(st.Gid)
	}
	return s, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Has reports whether a blob exists for key.
func (s *Store) Has(key Key) bool {
	info, err := s.fs.Stat(key.String())
	return err == nil && info.Mode().IsRegular()
}

// Open opens the blob for key.
func (s *Store) Open(key Key) (io.ReadCloser, error) {
	f, err := s.fs.Open(key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Hash returns the sha256 of the blob for key, or "" if there is none.
func (s *Store) Hash(key Key) (string, error) {
	f, err := s.fs.Open(key.String())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return fsops.HashBytes(data), nil
}

// Write stores data under key. Identical content is left alone and reported
// as unchanged.
func (s *Store) Write(key Key, data []byte) (engine.Status, error) {
	current, err := s.Hash(key)
	if err != nil {
		return engine.StatusFailed, err
	}
	if current == fsops.HashBytes(data) {
		return engine.StatusUnchanged, nil
	}

	if err := s.ensureNamespace(key.Namespace); err != nil {
		return engine.StatusFailed, err
	}

	name := key.String()
	f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.fileMode)
	if err != nil {
		return engine.StatusFailed, fmt.Errorf("failed to create %s: %w", key, err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return engine.StatusFailed, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return engine.StatusFailed, fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := s.setPerms(name, s.fileMode); err != nil {
		return engine.StatusFailed, err
	}

	if current == "" {
		return engine.StatusCreated, nil
	}
	return engine.StatusUpdated, nil
}

func (s *Store) ensureNamespace(namespace string) error {
	info, err := s.fs.Stat(namespace)
	if err == nil && !info.IsDir() {
		if err := s.fs.Remove(namespace); err != nil {
			return fmt.Errorf("failed to replace %s: %w", namespace, err)
		}
	}
	if err != nil || !info.IsDir() {
		if err := s.fs.MkdirAll(namespace, s.dirMode.Perm()); err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
		}
	}
	return s.setPerms(namespace, s.dirMode)
}

// setPerms applies mode and the root's ownership, skipping the chown when
// ownership already matches.
func (s *Store) setPerms(name string, mode os.FileMode) error {
	full := s.fs.Join(s.root, name)

	if ch, ok := s.fs.(billy.Change); ok {
		if err := ch.Chmod(name, mode); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", name, err)
		}
	} else if err := os.Chmod(full, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", name, err)
	}

	obs, err := fsops.Observe(full, false)
	if err != nil {
		return err
	}
	if !fsops.NeedsChown(obs, s.uid, s.gid) {
		return nil
	}
	if ch, ok := s.fs.(billy.Change); ok {
		err = ch.Lchown(name, s.uid, s.gid)
	} else {
		err = os.Lchown(full, s.uid, s.gid)
	}
	if err != nil {
		return fmt.Errorf("failed to chown %s: %w", name, err)
	}
	return nil
}
