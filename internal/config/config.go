// Package config loads voxserve settings: built-in defaults, then the TOML
// file, then environment overrides. Command-line flags are applied last by
// the cli package.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	PathEnv   = "VOXSERVE_CONFIG"
	AddrEnv   = "VOXSERVE_ADDR"
	PortEnv   = "PORT"
	FFmpegEnv = "VOXSERVE_FFMPEG_PATH"
	// WhisperPathEnv is read here and by the whisper package when no path is
	// configured at all.
	WhisperPathEnv = "VOXSERVE_WHISPER_PATH"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	CORS   CORSConfig   `toml:"cors"`
	Model  ModelConfig  `toml:"model"`
	Audio  AudioConfig  `toml:"audio"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Addr             string `toml:"addr"`
	TempDir          string `toml:"temp_dir"`
	DefaultExtension string `toml:"default_extension"`
	MaxUploadBytes   int64  `toml:"max_upload_bytes"`
	ShutdownSeconds  int    `toml:"shutdown_timeout_seconds"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers"`
}

type ModelConfig struct {
	Name         string `toml:"name"`
	Dir          string `toml:"dir"`
	AutoDownload bool   `toml:"auto_download"`
	Language     string `toml:"language"`
	Engine       string `toml:"engine"`
	Threads      int    `toml:"threads"`
	WhisperPath  string `toml:"whisper_path"`
	FFmpegPath   string `toml:"ffmpeg_path"`
}

type AudioConfig struct {
	SilenceGate          bool    `toml:"silence_gate"`
	SilenceThresholdDBFS float64 `toml:"silence_threshold_dbfs"`
}

type LogConfig struct {
	Verbose bool `toml:"verbose"`
	JSON    bool `toml:"json"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8000",
			DefaultExtension: ".webm",
			ShutdownSeconds:  10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		},
		Model: ModelConfig{
			Name:         "turbo",
			AutoDownload: true,
			Language:     "auto",
			Engine:       "cli",
		},
		Audio: AudioConfig{
			SilenceThresholdDBFS: -65,
		},
		Log: LogConfig{
			JSON: true,
		},
	}
}

// DefaultPath returns $VOXSERVE_CONFIG or <user config dir>/voxserve/config.toml.
func DefaultPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv(PathEnv)); path != "" {
		return path, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "voxserve", "config.toml"), nil
}

// Load reads the file at path over the defaults. An empty path means
// DefaultPath, and a missing default file is not an error; a missing explicit
// file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		resolved, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = resolved
		explicit = os.Getenv(PathEnv) != ""
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if addr := strings.TrimSpace(getenv(AddrEnv)); addr != "" {
		c.Server.Addr = addr
	} else if port := strings.TrimSpace(getenv(PortEnv)); port != "" {
		c.Server.Addr = ":" + port
	}
	if path := strings.TrimSpace(getenv(WhisperPathEnv)); path != "" {
		c.Model.WhisperPath = path
	}
	if path := strings.TrimSpace(getenv(FFmpegEnv)); path != "" {
		c.Model.FFmpegPath = path
	}
}

func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr must not be empty")
	}
	if c.Server.MaxUploadBytes < 0 {
		problems = append(problems, "server.max_upload_bytes must be >= 0")
	}
	if c.Server.ShutdownSeconds < 0 {
		problems = append(problems, "server.shutdown_timeout_seconds must be >= 0")
	}
	if ext := c.Server.DefaultExtension; ext != "" && !strings.HasPrefix(ext, ".") {
		problems = append(problems, fmt.Sprintf("server.default_extension %q must start with a dot", ext))
	}
	if c.Model.Threads < 0 {
		problems = append(problems, "model.threads must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}
