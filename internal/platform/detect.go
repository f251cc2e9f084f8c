package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "voxserve"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func (r Runtime) String() string {
	return r.OS + "/" + r.Arch
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "models"), nil
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

// ResolveUploadDir returns the directory upload artifacts are written to. An
// empty override means the system temp dir. A configured directory is created
// if missing and must be writable.
func ResolveUploadDir(override string) (string, error) {
	if override == "" {
		return os.TempDir(), nil
	}

	dir := filepath.Clean(override)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", fmt.Errorf("upload dir %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return dir, nil
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
