package whisper

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// whisper-cli decodes these containers itself; everything else goes through ffmpeg.
var nativeExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".ogg":  true,
	".flac": true,
}

func NeedsConversion(audioPath string) bool {
	return !nativeExtensions[strings.ToLower(filepath.Ext(audioPath))]
}

func convertToWAV(ctx context.Context, ffmpeg, input, output string) error {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		output,
	}

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg conversion failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
