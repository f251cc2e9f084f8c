package whisper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	EngineCLI      = "cli"
	EngineBindings = "whispercpp"
)

type TranscriptionRequest struct {
	AudioPath string
	Language  string
}

// Result is what an engine reports for one file. Language is empty when the
// engine could not tell.
type Result struct {
	Text     string
	Language string
}

type Engine interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error)
}

type Options struct {
	Kind       string
	ModelPath  string
	Executable string
	FFmpeg     string
	Threads    int
	Logger     *zap.Logger
}

type opener func(ctx context.Context, opts Options) (Engine, error)

var openers = map[string]opener{
	EngineCLI: func(_ context.Context, opts Options) (Engine, error) {
		return NewCLIEngine(opts)
	},
}

// Open builds the engine named by opts.Kind around the model at opts.ModelPath.
func Open(ctx context.Context, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	kind := strings.TrimSpace(strings.ToLower(opts.Kind))
	if kind == "" {
		kind = EngineCLI
	}

	open, ok := openers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %s)", opts.Kind, strings.Join(EngineNames(), ", "))
	}

	return open(ctx, opts)
}

func EngineNames() []string {
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
