package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errMissingUpload = errors.New("field required: " + uploadField)

// storageError marks failures to materialize the upload on disk, as opposed
// to failures of the engine itself.
type storageError struct {
	err error
}

func (e *storageError) Error() string {
	return "store upload: " + e.err.Error()
}

func (e *storageError) Unwrap() error {
	return e.err
}

type upload struct {
	filename string
	data     []byte
}

// readUpload buffers the first multipart part named "audio" in memory.
// Streaming the parts keeps net/http from spooling large files to its own
// temp files.
func readUpload(r *http.Request) (upload, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return upload{}, err
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return upload{}, errMissingUpload
		}
		if err != nil {
			return upload{}, err
		}

		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return upload{}, err
		}
		return upload{filename: part.FileName(), data: data}, nil
	}
}

// uploadExtension derives the temp file suffix from the client's filename so
// engines that sniff by extension see the right container.
func uploadExtension(filename, fallback string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !validExtension(ext) {
		return fallback
	}
	return ext
}

func validExtension(ext string) bool {
	if len(ext) < 2 || len(ext) > 16 || ext[0] != '.' {
		return false
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// withTempAudio writes data to a new uniquely named file in dir and calls fn
// with its path. The file is removed before withTempAudio returns or panics.
func withTempAudio(dir, prefix, ext string, data []byte, logger *zap.Logger, fn func(path string) error) error {
	f, err := os.CreateTemp(dir, prefix+"*"+ext)
	if err != nil {
		return &storageError{err: err}
	}
	path := f.Name()

	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove upload artifact", zap.String("path", path), zap.Error(err))
		}
	}()

	_, writeErr := f.Write(data)
	if err := multierr.Combine(writeErr, f.Close()); err != nil {
		return &storageError{err: fmt.Errorf("write %s: %w", path, err)}
	}

	return fn(path)
}
