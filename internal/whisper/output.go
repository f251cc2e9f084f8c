package whisper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlankAudioToken is what whisper.cpp emits for a segment without speech.
const BlankAudioToken = "[BLANK_AUDIO]"

// cliOutput mirrors the file whisper-cli writes with -oj.
type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

func ParseOutput(content []byte) (Result, error) {
	var out cliOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Result{}, fmt.Errorf("decode whisper output: %w", err)
	}

	var text strings.Builder
	for _, segment := range out.Transcription {
		if IsBlank(segment.Text) {
			continue
		}
		text.WriteString(segment.Text)
	}

	return Result{
		Text:     strings.TrimSpace(text.String()),
		Language: strings.TrimSpace(out.Result.Language),
	}, nil
}

// IsBlank reports whether text carries no speech.
func IsBlank(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "" || strings.EqualFold(trimmed, BlankAudioToken)
}
