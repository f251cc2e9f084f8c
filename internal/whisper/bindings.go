//go:build whispercpp

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fmueller/voxserve/internal/audio"
	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"go.uber.org/zap"
)

func init() {
	openers[EngineBindings] = func(_ context.Context, opts Options) (Engine, error) {
		return NewBindingsEngine(opts)
	}
}

// BindingsEngine keeps the model resident in process. It only reads WAV input;
// ggml inference is not safe to run concurrently on one model, so calls into
// Process are serialised.
type BindingsEngine struct {
	model   whispercpp.Model
	threads int
	logger  *zap.Logger

	mu sync.Mutex
}

func NewBindingsEngine(opts Options) (*BindingsEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := whispercpp.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", opts.ModelPath, err)
	}

	return &BindingsEngine{model: model, threads: opts.Threads, logger: logger}, nil
}

func (b *BindingsEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	samples, err := audio.DecodeWAVFile(req.AudioPath, whispercpp.SampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("decode audio (in-process engine reads WAV only): %w", err)
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, fmt.Errorf("set language %q: %w", lang, err)
	}
	if b.threads > 0 {
		wctx.SetThreads(uint(b.threads))
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	b.mu.Lock()
	err = wctx.Process(samples, nil, nil, nil)
	b.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read segment: %w", err)
		}
		if IsBlank(segment.Text) {
			continue
		}
		text.WriteString(segment.Text)
	}

	b.logger.Debug("in-process transcription finished", zap.Int("samples", len(samples)))
	return Result{
		Text:     strings.TrimSpace(text.String()),
		Language: wctx.DetectedLanguage(),
	}, nil
}

func (b *BindingsEngine) Close() error {
	return b.model.Close()
}
