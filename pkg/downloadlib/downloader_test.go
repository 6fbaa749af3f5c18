package downloadlib

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rangeServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(content))
			return
		}
		var off int
		_, err := fmt.Sscanf(rng, "bytes=%d-", &off)
		require.NoError(t, err)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(content[off:]))
	}))
}

// Scenario 7: staging directory lock — a second downloader on the same
// directory must fail to Start while the first holds it.
func TestStagingDirLock(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	d1 := NewResumableDownloader(store, dir, NewRouter(nil))
	require.NoError(t, d1.Start())
	defer d1.Stop()

	d2 := NewResumableDownloader(store, dir, NewRouter(nil))
	err = d2.Start()
	require.Error(t, err)
}

// Scenario 8: resume — a partially-written tmp file (dst + ".download")
// resumes from its existing size instead of restarting.
func TestDownloaderResume(t *testing.T) {
	content := "0123456789abcdefghij"
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(dst+".download", []byte(content[:10]), 0o644))
	require.NoError(t, store.Enqueue(dst, srv.URL, "http", int64(len(content))))

	d := NewResumableDownloader(store, dir, NewRouter(nil))
	require.NoError(t, d.Start())
	require.True(t, d.WaitIdle(2*time.Second))
	d.Stop()

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, string(b))

	rec, err := store.Get(dst)
	require.NoError(t, err)
	require.Equal(t, StateDone, rec.State)

	_, err = os.Stat(dst + ".download")
	require.True(t, os.IsNotExist(err), "tmp file must be renamed away on completion")
}

// The downloader's OnComplete callback fires once the job queue drains,
// naming every destination that finished since the previous firing.
func TestDownloaderOnComplete(t *testing.T) {
	content := "hello world"
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	defer store.Close()

	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, store.Enqueue(dst, srv.URL, "http", int64(len(content))))

	done := make(chan []string, 1)
	d := NewResumableDownloader(store, dir, NewRouter(nil))
	d.OnComplete = func(finished []string) { done <- finished }
	require.NoError(t, d.Start())
	defer d.Stop()

	select {
	case finished := <-done:
		require.Equal(t, []string{dst}, finished)
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete was not invoked")
	}
}
