package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/modelhost"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/server"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription HTTP API",
		Long: "Starts the HTTP API right away and loads the model in the background.\n" +
			"GET /health reports model_loaded=false until loading finishes; POST /transcribe answers 503 until then.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}
}

// runServe listens first so health checks answer while the model loads. A
// failed load or a canceled ctx shuts the listener down.
func (a *appState) runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	log := a.log()

	uploadDir, err := platform.ResolveUploadDir(cfg.Server.TempDir)
	if err != nil {
		return err
	}

	host := modelhost.New(modelhost.Options{
		Loader:   a.loadFn,
		Language: cfg.Model.Language,
		Logger:   log,
	})

	handler := server.New(server.Options{
		Host:                 host,
		Logger:               log,
		TempDir:              uploadDir,
		DefaultExtension:     cfg.Server.DefaultExtension,
		MaxUploadBytes:       cfg.Server.MaxUploadBytes,
		SilenceGate:          cfg.Audio.SilenceGate,
		SilenceThresholdDBFS: cfg.Audio.SilenceThresholdDBFS,
		CORS: server.CORSOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
	})

	listen := a.listenFn
	if listen == nil {
		listen = net.Listen
	}
	ln, err := listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}

	log.Info("voxserve listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", version.Current().String()),
		zap.String("model", cfg.Model.Name),
		zap.String("engine", cfg.Model.Engine),
		zap.String("upload_dir", uploadDir),
	)
	if a.onListen != nil {
		a.onListen(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		stop := startSpinner(a.progressEnabled(), "Loading model")
		err := host.Initialize(gctx)
		stop()
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return multierr.Append(err, host.Close())
}

// loadEngine makes sure the model file exists, then opens the configured
// engine around it.
func (a *appState) loadEngine(ctx context.Context) (whisper.Engine, error) {
	model, err := a.ensureModelAvailable(ctx)
	if err != nil {
		return nil, err
	}

	a.log().Info("loading model",
		zap.String("model", model.Name),
		zap.String("path", model.Path),
		zap.String("engine", a.cfg.Model.Engine),
	)

	return whisper.Open(ctx, whisper.Options{
		Kind:       a.cfg.Model.Engine,
		ModelPath:  model.Path,
		Executable: a.cfg.Model.WhisperPath,
		FFmpeg:     a.cfg.Model.FFmpegPath,
		Threads:    a.cfg.Model.Threads,
		Logger:     a.log(),
	})
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(a.cfg.Model.Name, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.cfg.Model.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxserve setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
