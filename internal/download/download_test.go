package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseChecksumByFilename(t *testing.T) {
	t.Parallel()

	content := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  foo.tar.gz\n" +
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb  checksums.txt\n")

	parsed, err := ParseChecksum(content, "foo.tar.gz")
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", parsed)
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("voxserve")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	sum := sha256.Sum256(payload)
	require.NoError(t, VerifyFileChecksum(path, hex.EncodeToString(sum[:])))
	require.Error(t, VerifyFileChecksum(path, "deadbeef"))
}

func TestDownloadFileWithChecksumURL(t *testing.T) {
	t.Parallel()

	payload := []byte("hello-world")
	sum := sha256.Sum256(payload)
	sumHex := hex.EncodeToString(sum[:])

	destination := filepath.Join(t.TempDir(), "artifact.tar.gz")
	checksumBody := fmt.Sprintf("%s  %s\n", sumHex, filepath.Base(destination))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/artifact":
			_, _ = w.Write(payload)
		case "/checksums.txt":
			_, _ = w.Write([]byte(checksumBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:         server.URL + "/artifact",
		Destination: destination,
		ChecksumURL: server.URL + "/checksums.txt",
		NoProgress:  true,
		Retries:     1,
	})
	require.NoError(t, err)

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestResolveExpectedChecksum(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  model.bin\n"))
	}))
	defer server.Close()

	checksum, err := ResolveExpectedChecksum(context.Background(), server.URL, "model.bin", nil)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", checksum)
}

func TestDownloadFileRetriesAndSendsUserAgent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var agent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("model-bytes"))
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "nested", "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:          server.URL,
		Destination:  destination,
		NoProgress:   true,
		Retries:      2,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, DefaultUserAgent, agent.Load())

	_, err = os.Stat(destination + ".part")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDownloadFileChecksumMismatchLeavesNoFile(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		NoProgress:     true,
		Retries:        1,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")

	_, err = os.Stat(destination)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(destination + ".part")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDownloadFileStopsRetryingWhenCanceled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DownloadFile(ctx, Options{
		URL:          server.URL,
		Destination:  filepath.Join(t.TempDir(), "model.bin"),
		NoProgress:   true,
		Retries:      5,
		RetryBackoff: time.Hour,
	})
	require.Error(t, err)
	require.LessOrEqual(t, calls.Load(), int32(1))
}

func TestEnsureFileSkipsVerifiedFile(t *testing.T) {
	t.Parallel()

	payload := []byte("already-here")
	sum := sha256.Sum256(payload)
	destination := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destination, payload, 0o644))

	downloaded, err := EnsureFile(context.Background(), Options{
		URL:            "http://127.0.0.1:1/unreachable",
		Destination:    destination,
		ExpectedSHA256: hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	require.False(t, downloaded)
}

func TestEnsureFileReplacesCorruptFile(t *testing.T) {
	t.Parallel()

	payload := []byte("fresh-model")
	sum := sha256.Sum256(payload)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destination, []byte("truncated"), 0o644))

	downloaded, err := EnsureFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: hex.EncodeToString(sum[:]),
		NoProgress:     true,
		Retries:        1,
	})
	require.NoError(t, err)
	require.True(t, downloaded)

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestEnsureFileRejectsDirectory(t *testing.T) {
	t.Parallel()

	_, err := EnsureFile(context.Background(), Options{
		URL:         "http://127.0.0.1:1/unused",
		Destination: t.TempDir(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a regular file")
}
