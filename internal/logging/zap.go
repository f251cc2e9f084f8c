package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how the process logger is built. The server logs JSON by
// default; console output is meant for local runs.
type Options struct {
	Verbose bool
	JSON    bool
	Output  string
}

func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	output := opts.Output
	if output == "" {
		output = "stderr"
	}

	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.InitialFields = map[string]any{"service": "voxserve"}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeCaller = nil
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{output}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !opts.Verbose
	cfg.Sampling = nil

	return cfg.Build()
}
