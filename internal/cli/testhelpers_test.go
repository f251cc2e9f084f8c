package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeConfig writes a config file so tests never read the user's own.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type stubEngine struct {
	result whisper.Result
	err    error
}

func (s stubEngine) Transcribe(context.Context, whisper.TranscriptionRequest) (whisper.Result, error) {
	return s.result, s.err
}
