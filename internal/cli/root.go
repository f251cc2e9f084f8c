package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// flagValues holds raw flag values. They only override the loaded config
// when the user actually set them.
type flagValues struct {
	verbose        bool
	jsonLogs       bool
	noProgress     bool
	model          string
	modelDir       string
	autoDownload   bool
	addr           string
	language       string
	engine         string
	threads        int
	whisperPath    string
	ffmpegPath     string
	tempDir        string
	maxUploadBytes int64
	silenceGate    bool
	silenceDBFS    float64
}

type appState struct {
	configPath string
	flags      flagValues
	noProgress bool

	cfg    *config.Config
	logger *zap.Logger
	getenv func(string) string

	loadFn   func(ctx context.Context) (whisper.Engine, error)
	listenFn func(network, addr string) (net.Listener, error)
	onListen func(addr net.Addr)
}

func newAppState() *appState {
	defaults := config.Default()
	app := &appState{
		flags: flagValues{
			jsonLogs:     defaults.Log.JSON,
			model:        defaults.Model.Name,
			autoDownload: defaults.Model.AutoDownload,
			addr:         defaults.Server.Addr,
			language:     defaults.Model.Language,
			engine:       defaults.Model.Engine,
			silenceGate:  defaults.Audio.SilenceGate,
			silenceDBFS:  defaults.Audio.SilenceThresholdDBFS,
		},
		getenv:   os.Getenv,
		listenFn: net.Listen,
	}
	app.loadFn = app.loadEngine
	return app
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxserve",
		Short:         "Serve whisper speech-to-text over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&app.configPath, "config", "", "Path to a TOML config file (default $"+config.PathEnv+" or the user config dir)")
	bindLoggingFlags(pf, app)
	bindModelFlags(pf, app)
	bindServeFlags(pf, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(fs *pflag.FlagSet, app *appState) {
	fs.BoolVar(&app.flags.verbose, "verbose", app.flags.verbose, "Enable verbose logs")
	fs.BoolVar(&app.flags.jsonLogs, "json", app.flags.jsonLogs, "Emit JSON logs")
	fs.BoolVar(&app.flags.noProgress, "no-progress", app.flags.noProgress, "Disable progress indicators")
}

func bindModelFlags(fs *pflag.FlagSet, app *appState) {
	fs.StringVar(&app.flags.model, "model", app.flags.model, "Model name ("+strings.Join(whisper.ModelNames(), "|")+") or model file path")
	fs.StringVar(&app.flags.modelDir, "model-dir", app.flags.modelDir, "Directory where models are stored")
	fs.BoolVar(&app.flags.autoDownload, "auto-download", app.flags.autoDownload, "Automatically download missing models")
}

func bindServeFlags(fs *pflag.FlagSet, app *appState) {
	fs.StringVar(&app.flags.addr, "addr", app.flags.addr, "HTTP listen address")
	fs.StringVar(&app.flags.language, "language", app.flags.language, "Language code (auto|en|de|...) passed to the engine")
	fs.StringVar(&app.flags.engine, "engine", app.flags.engine, "Inference engine ("+strings.Join(whisper.EngineNames(), "|")+")")
	fs.IntVar(&app.flags.threads, "threads", app.flags.threads, "Inference threads; 0 lets the engine decide")
	fs.StringVar(&app.flags.whisperPath, "whisper-path", app.flags.whisperPath, "Path to the whisper-cli executable")
	fs.StringVar(&app.flags.ffmpegPath, "ffmpeg-path", app.flags.ffmpegPath, "Path to ffmpeg for converting uploads")
	fs.StringVar(&app.flags.tempDir, "temp-dir", app.flags.tempDir, "Directory for upload artifacts (default system temp dir)")
	fs.Int64Var(&app.flags.maxUploadBytes, "max-upload-bytes", app.flags.maxUploadBytes, "Reject uploads larger than this; 0 means unlimited")
	fs.BoolVar(&app.flags.silenceGate, "silence-gate", app.flags.silenceGate, "Skip transcription of near-silent WAV uploads")
	fs.Float64Var(&app.flags.silenceDBFS, "silence-threshold-dbfs", app.flags.silenceDBFS, "Silence gate threshold in dBFS")
}

// prepare resolves the effective config (defaults, file, env, flags) and
// builds the logger.
func (a *appState) prepare(fs *pflag.FlagSet) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(a.getenv)
	a.applyFlags(fs, cfg)
	cfg.Model.Language = sanitizeLanguage(cfg.Model.Language)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Verbose: cfg.Log.Verbose, JSON: cfg.Log.JSON})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.noProgress = a.flags.noProgress
	return nil
}

func (a *appState) applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}

	f := a.flags
	set("verbose", func() { cfg.Log.Verbose = f.verbose })
	set("json", func() { cfg.Log.JSON = f.jsonLogs })
	set("model", func() { cfg.Model.Name = f.model })
	set("model-dir", func() { cfg.Model.Dir = f.modelDir })
	set("auto-download", func() { cfg.Model.AutoDownload = f.autoDownload })
	set("addr", func() { cfg.Server.Addr = f.addr })
	set("language", func() { cfg.Model.Language = f.language })
	set("engine", func() { cfg.Model.Engine = f.engine })
	set("threads", func() { cfg.Model.Threads = f.threads })
	set("whisper-path", func() { cfg.Model.WhisperPath = f.whisperPath })
	set("ffmpeg-path", func() { cfg.Model.FFmpegPath = f.ffmpegPath })
	set("temp-dir", func() { cfg.Server.TempDir = f.tempDir })
	set("max-upload-bytes", func() { cfg.Server.MaxUploadBytes = f.maxUploadBytes })
	set("silence-gate", func() { cfg.Audio.SilenceGate = f.silenceGate })
	set("silence-threshold-dbfs", func() { cfg.Audio.SilenceThresholdDBFS = f.silenceDBFS })
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.Model.Dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
