package server

import (
	"context"
	"net/http"

	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	DefaultExtension = ".webm"
	notReadyDetail   = "Model not loaded yet"
	uploadField      = "audio"
)

// Transcriber is the part of the model host the handlers need.
type Transcriber interface {
	Ready() bool
	Transcribe(ctx context.Context, audioPath string) (whisper.Result, error)
}

type CORSOptions struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

func DefaultCORS() CORSOptions {
	return CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}
}

type Options struct {
	Host   Transcriber
	Logger *zap.Logger

	// TempDir holds upload artifacts while they are transcribed; empty means
	// the OS temp dir.
	TempDir          string
	DefaultExtension string
	// MaxUploadBytes caps the request body; zero or less means unlimited.
	MaxUploadBytes int64

	SilenceGate          bool
	SilenceThresholdDBFS float64

	CORS CORSOptions
}

type Server struct {
	host                 Transcriber
	logger               *zap.Logger
	tempDir              string
	defaultExtension     string
	maxUploadBytes       int64
	silenceGate          bool
	silenceThresholdDBFS float64
}

// New returns the routed handler for the transcription API.
func New(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	defaultExt := opts.DefaultExtension
	if !validExtension(defaultExt) {
		defaultExt = DefaultExtension
	}

	corsOpts := opts.CORS
	if len(corsOpts.AllowedOrigins) == 0 {
		corsOpts = DefaultCORS()
	}

	s := &Server{
		host:                 opts.Host,
		logger:               logger,
		tempDir:              opts.TempDir,
		defaultExtension:     defaultExt,
		maxUploadBytes:       opts.MaxUploadBytes,
		silenceGate:          opts.SilenceGate,
		silenceThresholdDBFS: opts.SilenceThresholdDBFS,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(logger))
	r.Use(recoverJSON(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOpts.AllowedOrigins,
		AllowedMethods: corsOpts.AllowedMethods,
		AllowedHeaders: corsOpts.AllowedHeaders,
		MaxAge:         300,
	}))

	r.Post("/transcribe", s.handleTranscribe)
	r.Get("/health", s.handleHealth)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}
