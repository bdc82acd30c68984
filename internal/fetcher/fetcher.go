// Package fetcher downloads snapshot files from remote sources. Three
// transports are supported: HTTP(S), FTP, and the local filesystem.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher retrieves a snapshot file from a source reference.
type Fetcher interface {
	// Download fetches the reference and returns the body. The caller must
	// close the returned ReadCloser.
	Download(ctx context.Context, ref string) (io.ReadCloser, error)

	// DownloadToFile fetches the reference into a local path and returns the
	// number of bytes written.
	DownloadToFile(ctx context.Context, ref string, path string) (int64, error)
}

// ForRef picks the transport matching the reference scheme. Bare paths and
// file:// URLs use the filesystem.
func ForRef(ref string, http *HTTPFetcher, ftp *FTPFetcher) (Fetcher, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse ref %q", ref)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return http, nil
	case "ftp":
		return ftp, nil
	case "", "file":
		return &FileFetcher{}, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}
