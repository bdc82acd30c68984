package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForRef(t *testing.T) {
	httpF := NewHTTPFetcher(HTTPOptions{})
	ftpF := NewFTPFetcher(FTPOptions{})

	tests := []struct {
		ref  string
		want any
	}{
		{"https://example.com/lots.csv", httpF},
		{"http://example.com/lots.csv", httpF},
		{"ftp://example.com/lots.csv", ftpF},
		{"file:///tmp/lots.csv", &FileFetcher{}},
		{"/tmp/lots.csv", &FileFetcher{}},
		{"lots.csv", &FileFetcher{}},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ForRef(tt.ref, httpF, ftpF)
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}

	_, err := ForRef("gopher://example.com/lots", httpF, ftpF)
	assert.Error(t, err)
}

func TestHTTPFetcher_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lotsync-test/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("LOT_ID|VIN\nL1|1M8GDM9AXKP042788\n"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "lotsync-test/1.0", RatePerSecond: 100})
	body, err := f.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1M8GDM9AXKP042788")
}

func TestHTTPFetcher_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxRetries: 3, RatePerSecond: 1000, Timeout: 5 * time.Second})
	body, err := f.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxRetries: 3, RatePerSecond: 1000})
	_, err := f.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_DownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "snapshot.csv")
	f := NewHTTPFetcher(HTTPOptions{RatePerSecond: 100})
	n, err := f.DownloadToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644))

	f := &FileFetcher{}

	body, err := f.Download(context.Background(), "file://"+src)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "a,b\n1,2\n", string(data))

	dst := filepath.Join(dir, "dst.csv")
	n, err := f.DownloadToFile(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	_, err = f.Download(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestParseFTPURL(t *testing.T) {
	host, path, user, pass, err := parseFTPURL("ftp://data.example.com/exports/lots.csv")
	require.NoError(t, err)
	assert.Equal(t, "data.example.com:21", host)
	assert.Equal(t, "/exports/lots.csv", path)
	assert.Equal(t, "anonymous", user)
	assert.Equal(t, "anonymous@", pass)

	host, _, user, pass, err = parseFTPURL("ftp://u:p@data.example.com:2121/lots.csv")
	require.NoError(t, err)
	assert.Equal(t, "data.example.com:2121", host)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)

	_, _, _, _, err = parseFTPURL("https://example.com/lots.csv")
	assert.Error(t, err)

	_, _, _, _, err = parseFTPURL("ftp://example.com")
	assert.Error(t, err)
}
