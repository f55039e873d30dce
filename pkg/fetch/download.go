package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Downloader fetches a URL into a local file.
type Downloader interface {
	// Download writes the body of url to path, replacing any previous
	// content, and returns the number of bytes written.
	Download(ctx context.Context, url, path string) (int64, error)
}

// HTTPDownloader downloads over HTTP(S) with exponential backoff between
// attempts. Client errors (4xx) are not retried.
type HTTPDownloader struct {
	Client      *http.Client
	MaxAttempts uint
	logger      zerolog.Logger
}

// NewHTTPDownloader returns a downloader with sensible retry defaults.
func NewHTTPDownloader(logger zerolog.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		Client:      &http.Client{Timeout: 10 * time.Minute},
		MaxAttempts: 3,
		logger:      logger.With().Str("component", "downloader").Logger(),
	}
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, url, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	attempt := 0
	operation := func() (int64, error) {
		attempt++
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, backoff.Permanent(err)
		}
		if err := f.Truncate(0); err != nil {
			return 0, backoff.Permanent(err)
		}

		n, err := d.get(ctx, url, f)
		if err != nil {
			d.logger.Debug().Err(err).Str("url", url).Int("attempt", attempt).Msg("download attempt failed")
		}
		return n, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	attempts := d.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	n, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(attempts),
	)
	if err != nil {
		return 0, err
	}

	d.logger.Debug().Str("url", url).Int64("bytes", n).Msg("download complete")
	return n, nil
}

func (d *HTTPDownloader) get(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("invalid request: %w", err))
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read body: %w", err)
	}
	return n, nil
}
