// Package modelhost owns the single shared inference engine and its readiness.
//
// The engine is published exactly once by Initialize; requests that arrive
// before that are rejected with ErrNotReady instead of waiting.
package modelhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

const UnknownLanguage = "unknown"

var (
	ErrNotReady           = errors.New("model not loaded yet")
	ErrAlreadyInitialized = errors.New("model host already initialized")
)

// InferenceError wraps whatever the engine failed with. Its message is the
// cause's message so it can be shown to clients as is.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	if e.Err == nil {
		return "inference failed"
	}
	return e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Loader builds the engine. It runs once, during Initialize.
type Loader func(ctx context.Context) (whisper.Engine, error)

type Options struct {
	Loader   Loader
	Language string
	Logger   *zap.Logger
}

type Host struct {
	loader   Loader
	language string
	logger   *zap.Logger

	started atomic.Bool
	engine  atomic.Pointer[loadedEngine]
}

type loadedEngine struct {
	whisper.Engine
}

func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Host{
		loader:   opts.Loader,
		language: opts.Language,
		logger:   logger,
	}
}

func (h *Host) Initialize(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	if h.loader == nil {
		return errors.New("model host has no loader")
	}

	started := time.Now()
	h.logger.Info("loading model")

	engine, err := h.loader(ctx)
	if err != nil {
		h.logger.Error("model load failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return err
	}
	if engine == nil {
		return errors.New("loader returned no engine")
	}

	h.engine.Store(&loadedEngine{Engine: engine})
	h.logger.Info("model loaded", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (h *Host) Ready() bool {
	return h.engine.Load() != nil
}

// Transcribe runs one inference on the file at audioPath. Engine failures,
// panics included, come back as *InferenceError.
func (h *Host) Transcribe(ctx context.Context, audioPath string) (whisper.Result, error) {
	loaded := h.engine.Load()
	if loaded == nil {
		return whisper.Result{}, ErrNotReady
	}

	started := time.Now()
	result, err := h.invoke(ctx, loaded.Engine, audioPath)
	if err != nil {
		h.logger.Warn("transcription failed", zap.String("audio", audioPath), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return whisper.Result{}, &InferenceError{Err: err}
	}

	result.Text = strings.TrimSpace(result.Text)
	result.Language = strings.TrimSpace(result.Language)
	if result.Language == "" {
		result.Language = UnknownLanguage
	}

	h.logger.Info("transcription finished",
		zap.String("audio", audioPath),
		zap.String("language", result.Language),
		zap.Int("chars", len(result.Text)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (h *Host) invoke(ctx context.Context, engine whisper.Engine, audioPath string) (result whisper.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	return engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath: audioPath,
		Language:  h.language,
	})
}

// Close releases the engine if it holds resources. The host stays ready;
// callers close it only at shutdown.
func (h *Host) Close() error {
	loaded := h.engine.Load()
	if loaded == nil {
		return nil
	}
	if closer, ok := loaded.Engine.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
