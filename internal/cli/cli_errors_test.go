package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCLIErrorCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		args        []string
		errContains string
	}{
		{
			name:        "unknown command",
			args:        []string{"badcmd"},
			errContains: "unknown command",
		},
		{
			name:        "unknown root flag",
			args:        []string{"--badflag"},
			errContains: "unknown flag",
		},
		{
			name:        "unknown subcommand flag",
			args:        []string{"serve", "--bogus"},
			errContains: "unknown flag",
		},
		{
			name:        "serve takes no args",
			args:        []string{"serve", "extra"},
			errContains: "unknown command",
		},
		{
			name:        "missing explicit config",
			args:        []string{"serve", "--config", "/no/such/voxserve.toml"},
			errContains: "load config",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := runCommand(t, tt.args)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "")
	_, _, err := runCommand(t, []string{"serve", "--config", path, "--max-upload-bytes", "-5"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid config")
}

func TestSetupRejectsNonexistentCustomModelPath(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "")
	_, _, err := runCommand(t, []string{"setup", "--config", path, "--model-dir", t.TempDir(), "--model", "/no/such/path/model.bin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "custom model path does not exist")
}

func TestSetupRejectsExistingCustomModelPath(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "")
	modelPath := writeConfig(t, "not a model")
	_, _, err := runCommand(t, []string{"setup", "--config", path, "--model-dir", t.TempDir(), "--model", modelPath})
	require.Error(t, err)
	require.Contains(t, err.Error(), "setup expects a named model")
}

func TestVersionFlagOutput(t *testing.T) {
	t.Parallel()

	stdout, _, err := runCommand(t, []string{"--version"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "voxserve v"), "expected version prefix, got: %s", stdout)
}

func TestVersionCommandOutput(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "")
	stdout, _, err := runCommand(t, []string{"version", "--config", path, "--output-json"})
	require.NoError(t, err)
	require.Contains(t, stdout, `"version"`)
	require.Contains(t, stdout, `"go_version"`)
}
