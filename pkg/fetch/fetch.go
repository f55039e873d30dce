// Package fetch downloads and unpacks remote archives, guarded by a set of
// paths whose presence means the archive was already installed.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

// Plugin is the name reported in results.
const Plugin = "files.fetch"

// Request describes one archive installation.
type Request struct {
	// URL of the archive.
	URL string `json:"url" yaml:"url" validate:"required,url"`

	// Dest is an existing directory to unpack into.
	Dest string `json:"dest" yaml:"dest" validate:"required,abspath"`

	// Perms is "owner:group" applied to everything extracted.
	Perms string `json:"perms,omitempty" yaml:"perms,omitempty"`

	// Strip drops leading path components from archive entries.
	Strip int `json:"strip,omitempty" yaml:"strip,omitempty" validate:"gte=0"`

	// Creates lists paths, absolute or relative to Dest, that the archive
	// provides.
	Creates []string `json:"creates" yaml:"creates" validate:"required,min=1,dive,required"`

	// Exclude lists glob patterns of archive paths not to extract.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Fetcher installs archives.
type Fetcher struct {
	downloader Downloader
	logger     zerolog.Logger
	tempDir    string
}

// NewFetcher creates a fetcher using the given downloader.
func NewFetcher(logger zerolog.Logger, downloader Downloader) *Fetcher {
	return &Fetcher{
		downloader: downloader,
		logger:     logger.With().Str("component", "fetch").Logger(),
	}
}

// WithTempDir sets where archives are downloaded before extraction.
func (f *Fetcher) WithTempDir(dir string) *Fetcher {
	f.tempDir = dir
	return f
}

// Fetch installs the archive unless every creates path already exists.
func (f *Fetcher) Fetch(ctx context.Context, req Request) *engine.Result {
	result := engine.NewResult(Plugin)

	if err := descriptor.Validator().Struct(req); err != nil {
		return result.Fail(engine.NewValidationError("invalid fetch request", err).WithResource(req.URL))
	}

	var owner, group string
	if req.Perms != "" {
		var err error
		if owner, group, err = descriptor.ParseOwnership(req.Perms); err != nil {
			return result.Fail(err)
		}
	}

	excludes, err := CompileExcludes(req.Exclude)
	if err != nil {
		return result.Fail(engine.NewValidationError("invalid exclude", err).WithResource(req.URL))
	}

	creates := resolveCreates(req.Dest, req.Creates)

	if len(missing(creates)) == 0 {
		f.logger.Debug().Str("url", req.URL).Msg("archive already installed")
		result.SetFact("dest", req.Dest)
		return result.Skip("all creates paths exist")
	}

	info, err := os.Stat(req.Dest)
	if err != nil || !info.IsDir() {
		return result.Fail(engine.NewValidationError("destination directory does not exist", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(req.Dest))
	}

	uid, gid, err := fsops.ResolveOwnership(owner, group)
	if err != nil {
		return result.Fail(engine.NewPermissionError("cannot resolve ownership", err).WithResource(req.Dest))
	}

	tmp, err := os.CreateTemp(f.tempDir, "fetch-*.archive")
	if err != nil {
		return result.Fail(engine.NewTransportError("cannot create download file", err))
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	size, err := f.downloader.Download(ctx, req.URL, tmpName)
	if err != nil {
		return result.Fail(engine.NewTransportError("download failed", err).
			WithResource(req.URL).
			WithOperation("download"))
	}
	result.SetFact("bytes", size)
	result.Record(engine.ItemResult{Name: "download", Target: req.URL, Status: engine.StatusCreated,
		Message: fmt.Sprintf("%d bytes", size)})

	x := &Extractor{Strip: req.Strip, Exclude: excludes}
	written, err := x.ExtractFile(tmpName, req.Dest)
	if err != nil {
		return result.Fail(engine.NewTransportError("extraction failed", err).
			WithResource(req.Dest).
			WithOperation("extract"))
	}
	result.Record(engine.ItemResult{Name: "extract", Target: req.Dest, Status: engine.StatusCreated,
		Message: fmt.Sprintf("%d entries", len(written))})

	if uid >= 0 || gid >= 0 {
		changed := 0
		for _, top := range TopLevel(req.Dest, written) {
			n, err := fsops.ChownRecursive(top, uid, gid)
			if err != nil {
				return result.Fail(engine.NewPermissionError("failed to apply ownership", err).
					WithResource(top).
					WithOperation("chown"))
			}
			changed += n
		}
		status := engine.StatusUnchanged
		if changed > 0 {
			status = engine.StatusUpdated
		}
		result.Record(engine.ItemResult{Name: "chown", Target: req.Dest, Status: status,
			Message: fmt.Sprintf("%s (%d entries)", req.Perms, changed)})
	}

	if gone := missing(creates); len(gone) > 0 {
		return result.Fail(engine.NewIntegrityError("archive did not provide expected paths", nil).
			WithResource(req.URL).
			WithDetail("missing", gone))
	}

	f.logger.Info().Str("url", req.URL).Str("dest", req.Dest).Int("entries", len(written)).Msg("archive installed")
	result.SetFact("dest", req.Dest)
	return result.Finish()
}

func resolveCreates(dest string, creates []string) []string {
	out := make([]string, 0, len(creates))
	for _, c := range creates {
		if filepath.IsAbs(c) {
			out = append(out, filepath.Clean(c))
		} else {
			out = append(out, filepath.Join(dest, c))
		}
	}
	return out
}

func missing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !fsops.Exists(p) {
			out = append(out, p)
		}
	}
	return out
}
