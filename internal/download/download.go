// Package download fetches model files over HTTP with retries, progress and
// sha256 verification.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const DefaultUserAgent = "voxserve/1"

var checksumPattern = regexp.MustCompile(`(?i)\b([a-f0-9]{64})\b`)

type Options struct {
	URL            string
	Destination    string
	ExpectedSHA256 string
	ChecksumURL    string
	Retries        int
	RetryBackoff   time.Duration
	NoProgress     bool
	UserAgent      string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 300 * time.Millisecond
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// EnsureFile downloads opts.URL to opts.Destination unless a file already
// exists there and matches the expected checksum. It reports whether a
// download happened.
func EnsureFile(ctx context.Context, opts Options) (bool, error) {
	info, err := os.Stat(opts.Destination)
	switch {
	case err == nil && info.Mode().IsRegular():
		if err := VerifyFileChecksum(opts.Destination, opts.ExpectedSHA256); err == nil {
			return false, nil
		}
		if opts.Logger != nil {
			opts.Logger.Warn("existing file failed verification; downloading again", zap.String("path", opts.Destination))
		}
	case err == nil:
		return false, fmt.Errorf("%s exists and is not a regular file", opts.Destination)
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("stat %s: %w", opts.Destination, err)
	}

	if err := DownloadFile(ctx, opts); err != nil {
		return false, err
	}
	return true, nil
}

func DownloadFile(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return errors.New("download URL is required")
	}
	if opts.Destination == "" {
		return errors.New("destination path is required")
	}
	opts.setDefaults()

	expected := strings.ToLower(strings.TrimSpace(opts.ExpectedSHA256))
	if expected == "" && opts.ChecksumURL != "" {
		resolved, err := ResolveExpectedChecksum(ctx, opts.ChecksumURL, filepath.Base(opts.Destination), opts.HTTPClient)
		if err != nil {
			return fmt.Errorf("fetch checksum: %w", err)
		}
		expected = resolved
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download",
				zap.Int("attempt", attempt),
				zap.Int("max", opts.Retries),
				zap.String("url", opts.URL),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * opts.RetryBackoff):
			}
		}

		lastErr = downloadOnce(ctx, opts, expected)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}

func ResolveExpectedChecksum(ctx context.Context, checksumURL, fileName string, client *http.Client) (string, error) {
	if strings.TrimSpace(checksumURL) == "" {
		return "", errors.New("checksum URL is required")
	}

	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	resolved, err := fetchExpectedChecksum(ctx, client, checksumURL, fileName)
	if err != nil {
		return "", err
	}

	return strings.ToLower(strings.TrimSpace(resolved)), nil
}

func ParseChecksum(content []byte, fileName string) (string, error) {
	lines := strings.Split(string(content), "\n")

	if fileName != "" {
		for _, line := range lines {
			if !strings.Contains(line, fileName) {
				continue
			}
			if checksum := parseChecksumFromLine(line); checksum != "" {
				return checksum, nil
			}
		}
	}

	for _, line := range lines {
		if checksum := parseChecksumFromLine(line); checksum != "" {
			return checksum, nil
		}
	}

	return "", errors.New("sha256 checksum not found")
}

// VerifyFileChecksum hashes path and compares it to expectedSHA256. An empty
// expectation only checks that the file is readable.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	if expected == "" {
		return nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}

	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}

	return nil
}

func fetchExpectedChecksum(ctx context.Context, client *http.Client, checksumURL, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checksumURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	return ParseChecksum(content, fileName)
}

func parseChecksumFromLine(line string) string {
	match := checksumPattern.FindStringSubmatch(line)
	if len(match) < 2 {
		return ""
	}
	return strings.ToLower(match[1])
}

func downloadOnce(ctx context.Context, opts Options, expectedChecksum string) error {
	tempPath := opts.Destination + ".part"
	_ = os.Remove(tempPath)

	outFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		_ = outFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", opts.UserAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	hash := sha256.New()
	writer := io.MultiWriter(outFile, hash)

	var bar *progressbar.ProgressBar
	if shouldRenderProgress(opts.NoProgress, resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription("downloading "+filepath.Base(opts.Destination)),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writer = io.MultiWriter(outFile, hash, bar)
	}

	written, err := io.Copy(writer, resp.Body)
	if err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return fmt.Errorf("short download: got %d of %d bytes", written, resp.ContentLength)
	}

	if bar != nil {
		_ = bar.Finish()
	}

	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	actualChecksum := hex.EncodeToString(hash.Sum(nil))
	if expectedChecksum != "" && actualChecksum != expectedChecksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedChecksum, actualChecksum)
	}

	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, opts.Destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}

	success = true
	opts.Logger.Debug("download complete", zap.String("path", opts.Destination), zap.Int64("bytes", written))
	return nil
}

func shouldRenderProgress(noProgress bool, contentLength int64) bool {
	if noProgress {
		return false
	}
	if contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
