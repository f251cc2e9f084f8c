package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const WhisperPathEnv = "VOXSERVE_WHISPER_PATH"

// CLIEngine shells out to whisper-cli once per request. Each call works in its
// own scratch directory so concurrent requests never share output files.
type CLIEngine struct {
	Executable string
	ModelPath  string
	FFmpeg     string
	Threads    int
	Logger     *zap.Logger
}

func NewCLIEngine(opts Options) (*CLIEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file unavailable: %w", err)
	}

	executable, err := ResolveExecutable(opts.Executable)
	if err != nil {
		return nil, err
	}

	ffmpeg := strings.TrimSpace(opts.FFmpeg)
	if ffmpeg == "" {
		if found, err := exec.LookPath("ffmpeg"); err == nil {
			ffmpeg = found
		} else {
			logger.Warn("ffmpeg not found; uploads in containers whisper-cli cannot read will fail")
		}
	}

	return &CLIEngine{
		Executable: executable,
		ModelPath:  opts.ModelPath,
		FFmpeg:     ffmpeg,
		Threads:    opts.Threads,
		Logger:     logger,
	}, nil
}

// ResolveExecutable finds whisper-cli: explicit override, then
// VOXSERVE_WHISPER_PATH, then next to the voxserve binary, then $PATH.
func ResolveExecutable(override string) (string, error) {
	if override = strings.TrimSpace(override); override == "" {
		override = strings.TrimSpace(os.Getenv(WhisperPathEnv))
	}
	if override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("whisper path is not executable: %w", err)
		}
		return override, nil
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve voxserve executable path: %w", err)
	}

	if path, err := ResolveBundledEnginePath(self); err == nil {
		return path, nil
	}

	if path, err := exec.LookPath(engineBinaryName()); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("whisper engine not found near %s or on PATH; install whisper-cli or set %s", self, WhisperPathEnv)
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("bundled whisper engine not found near %s, expected at ../libexec/whisper/%s", selfExecutable, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, normalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (e *CLIEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}

	if err := ensureExecutable(e.Executable); err != nil {
		return Result{}, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	workDir, err := os.MkdirTemp("", "voxserve-whisper-*")
	if err != nil {
		return Result{}, fmt.Errorf("create whisper work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.log().Warn("failed to remove whisper work dir", zap.String("path", workDir), zap.Error(err))
		}
	}()

	input := req.AudioPath
	if NeedsConversion(input) && e.FFmpeg != "" {
		converted := filepath.Join(workDir, "input.wav")
		e.log().Debug("converting upload with ffmpeg", zap.String("audio", input))
		if err := convertToWAV(ctx, e.FFmpeg, input, converted); err != nil {
			return Result{}, err
		}
		input = converted
	}

	outBase := filepath.Join(workDir, "transcript")
	args := []string{"-m", e.ModelPath, "-f", input, "-nt", "-np", "-oj", "-of", outBase}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)
	if e.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.Threads))
	}

	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	e.log().Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Result{}, fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", e.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Result{}, fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set " + WhisperPathEnv + " to a whisper-cli binary built for your CPU")
		}
		return Result{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	content, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}

	return ParseOutput(content)
}

func (e *CLIEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}
