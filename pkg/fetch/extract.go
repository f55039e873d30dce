package fetch

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Extractor unpacks tar archives, optionally gzip compressed, into a
// destination directory.
type Extractor struct {
	// Strip removes this many leading path components from every entry.
	Strip int

	// Exclude skips entries whose stripped path, or any parent of it,
	// matches one of the patterns.
	Exclude []glob.Glob
}

// CompileExcludes compiles glob patterns using '/' as the separator.
func CompileExcludes(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.TrimPrefix(p, "./"), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// ExtractFile unpacks the archive at src into dest and returns the paths it
// wrote, in archive order.
func (x *Extractor) ExtractFile(src, dest string) ([]string, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	return x.Extract(f, dest)
}

// Extract unpacks a tar stream into dest. Gzip compression is detected from
// the stream header.
func (x *Extractor) Extract(r io.Reader, dest string) ([]string, error) {
	br := bufio.NewReader(r)
	var stream io.Reader = br

	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer gz.Close()
		stream = gz
	}

	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}

	tr := tar.NewReader(stream)
	var written []string

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("invalid tar stream: %w", err)
		}

		rel, ok := x.relative(hdr.Name)
		if !ok {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !within(dest, target) {
			return written, fmt.Errorf("entry %q escapes destination", hdr.Name)
		}

		if err := x.writeEntry(tr, hdr, dest, root, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}

	return written, nil
}

// relative strips the configured components and applies the excludes.
func (x *Extractor) relative(name string) (string, bool) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || clean == "/" {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) <= x.Strip {
		return "", false
	}
	parts = parts[x.Strip:]
	rel := strings.Join(parts, "/")

	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		for _, g := range x.Exclude {
			if g.Match(prefix) {
				return "", false
			}
		}
	}
	return rel, true
}

func (x *Extractor) writeEntry(tr *tar.Reader, hdr *tar.Header, dest, root, target string) error {
	mode := os.FileMode(hdr.Mode).Perm()

	// earlier symlink entries must not redirect writes out of dest
	check := filepath.Dir(target)
	if hdr.Typeflag == tar.TypeDir {
		check = target
	}
	if err := resolvesWithin(root, check); err != nil {
		return fmt.Errorf("entry %q: %w", hdr.Name, err)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		if mode != 0 {
			return os.Chmod(target, mode)
		}
		return nil

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", target, err)
		}
		_ = os.Remove(target)
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
		return os.Chmod(target, mode)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", target, err)
		}
		_ = os.RemoveAll(target)
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		rel, ok := x.relative(hdr.Linkname)
		if !ok {
			return nil
		}
		source := filepath.Join(dest, filepath.FromSlash(rel))
		if !within(dest, source) {
			return fmt.Errorf("link %q escapes destination", hdr.Linkname)
		}
		if err := resolvesWithin(root, filepath.Dir(source)); err != nil {
			return fmt.Errorf("link %q: %w", hdr.Linkname, err)
		}
		_ = os.Remove(target)
		return os.Link(source, target)

	default:
		return nil
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolvesWithin resolves the deepest existing ancestor of p, following
// symlinks, and fails unless it lies under root.
func resolvesWithin(root, p string) error {
	existing := p
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	if !within(root, resolved) {
		return fmt.Errorf("path resolves outside destination: %s", resolved)
	}
	return nil
}

// TopLevel returns the distinct first-level paths under dest among written,
// in order.
func TopLevel(dest string, written []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range written {
		rel, err := filepath.Rel(dest, p)
		if err != nil || rel == "." {
			continue
		}
		first := filepath.Join(dest, strings.SplitN(rel, string(filepath.Separator), 2)[0])
		if !seen[first] {
			seen[first] = true
			out = append(out, first)
		}
	}
	return out
}
