package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// FileFetcher reads snapshot files from the local filesystem. It accepts
// bare paths and file:// URLs.
type FileFetcher struct{}

func localPath(ref string) string {
	return strings.TrimPrefix(ref, "file://")
}

// Download opens the local file.
func (f *FileFetcher) Download(_ context.Context, ref string) (io.ReadCloser, error) {
	file, err := os.Open(localPath(ref))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", ref)
	}
	return file, nil
}

// DownloadToFile copies the local file to path.
func (f *FileFetcher) DownloadToFile(ctx context.Context, ref string, path string) (int64, error) {
	src, err := f.Download(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	defer dst.Close() //nolint:errcheck

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, eris.Wrap(err, "fetcher: copy file")
	}
	return n, nil
}
