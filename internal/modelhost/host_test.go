package modelhost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	result whisper.Result
	err    error
	panics bool
	calls  atomic.Int32
	closed atomic.Bool

	mu       sync.Mutex
	requests []whisper.TranscriptionRequest
}

func (f *fakeEngine) Transcribe(_ context.Context, req whisper.TranscriptionRequest) (whisper.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.panics {
		panic("decoder exploded")
	}
	return f.result, f.err
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

func loaderFor(engine whisper.Engine) Loader {
	return func(context.Context) (whisper.Engine, error) {
		return engine, nil
	}
}

func TestTranscribeBeforeInitializeIsNotReady(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	host := New(Options{Loader: loaderFor(engine)})

	require.False(t, host.Ready())
	_, err := host.Transcribe(context.Background(), "/tmp/a.wav")
	require.ErrorIs(t, err, ErrNotReady)
	require.Zero(t, engine.calls.Load())
}

func TestInitializeMakesHostReady(t *testing.T) {
	t.Parallel()

	host := New(Options{Loader: loaderFor(&fakeEngine{})})
	require.NoError(t, host.Initialize(context.Background()))
	require.True(t, host.Ready())
}

func TestInitializeRunsOnce(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	host := New(Options{Loader: func(context.Context) (whisper.Engine, error) {
		loads.Add(1)
		return &fakeEngine{}, nil
	}})

	require.NoError(t, host.Initialize(context.Background()))
	require.ErrorIs(t, host.Initialize(context.Background()), ErrAlreadyInitialized)
	require.EqualValues(t, 1, loads.Load())
}

func TestInitializeFailureLeavesHostUnready(t *testing.T) {
	t.Parallel()

	host := New(Options{Loader: func(context.Context) (whisper.Engine, error) {
		return nil, errors.New("model file corrupt")
	}})

	err := host.Initialize(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "model file corrupt")
	require.False(t, host.Ready())
	require.ErrorIs(t, host.Initialize(context.Background()), ErrAlreadyInitialized)
	require.False(t, host.Ready())
}

func TestInitializeWithoutLoaderFails(t *testing.T) {
	t.Parallel()

	require.Error(t, New(Options{}).Initialize(context.Background()))
}

func TestTranscribeTrimsTextAndDefaultsLanguage(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{Text: "  hello world \n"}}
	host := New(Options{Loader: loaderFor(engine), Language: "auto"})
	require.NoError(t, host.Initialize(context.Background()))

	result, err := host.Transcribe(context.Background(), "/tmp/clip.wav")
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
	require.Equal(t, UnknownLanguage, result.Language)
	require.Equal(t, []whisper.TranscriptionRequest{{AudioPath: "/tmp/clip.wav", Language: "auto"}}, engine.requests)
}

func TestTranscribeKeepsReportedLanguage(t *testing.T) {
	t.Parallel()

	host := New(Options{Loader: loaderFor(&fakeEngine{result: whisper.Result{Text: "hola", Language: "es"}})})
	require.NoError(t, host.Initialize(context.Background()))

	result, err := host.Transcribe(context.Background(), "/tmp/clip.wav")
	require.NoError(t, err)
	require.Equal(t, "es", result.Language)
}

func TestTranscribeWrapsEngineErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("unsupported codec")
	host := New(Options{Loader: loaderFor(&fakeEngine{err: cause})})
	require.NoError(t, host.Initialize(context.Background()))

	_, err := host.Transcribe(context.Background(), "/tmp/clip.webm")
	var inferenceErr *InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "unsupported codec", err.Error())
}

func TestTranscribeRecoversEnginePanics(t *testing.T) {
	t.Parallel()

	host := New(Options{Loader: loaderFor(&fakeEngine{panics: true})})
	require.NoError(t, host.Initialize(context.Background()))

	_, err := host.Transcribe(context.Background(), "/tmp/clip.wav")
	var inferenceErr *InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	require.Contains(t, err.Error(), "decoder exploded")
}

func TestCloseReleasesEngine(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	host := New(Options{Loader: loaderFor(engine)})
	require.NoError(t, host.Close())
	require.False(t, engine.closed.Load())

	require.NoError(t, host.Initialize(context.Background()))
	require.NoError(t, host.Close())
	require.True(t, engine.closed.Load())
}

func TestConcurrentTranscriptionsShareEngine(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{Text: "ok", Language: "en"}}
	host := New(Options{Loader: loaderFor(engine)})
	require.NoError(t, host.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := host.Transcribe(context.Background(), "/tmp/clip.wav")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 8, engine.calls.Load())
}
