package projectconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	labErrors "github.com/davidahmann/agentlab/core/errors"
)

const DefaultPath = ".lab/config.yaml"

type Config struct {
	Run     RunDefaults     `yaml:"run"`
	Replay  ReplayDefaults  `yaml:"replay"`
	Logging LoggingDefaults `yaml:"logging"`
}

type RunDefaults struct {
	BaseDir              string `yaml:"base_dir"`
	Parallelism          int    `yaml:"parallelism"`
	AllowMissingManifest bool   `yaml:"allow_missing_manifest"`
	SchemaDir            string `yaml:"schema_dir"`
}

type ReplayDefaults struct {
	Strict bool `yaml:"strict"`
}

type LoggingDefaults struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, labErrors.Wrap(fmt.Errorf("project config path is required"), labErrors.CategoryInvalidInput, "config_path_missing", "", false)
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, labErrors.Wrap(fmt.Errorf("read project config: %w", err), labErrors.CategoryNotFound, "config_not_found", "", false)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, labErrors.Wrap(fmt.Errorf("parse project config: %w", err), labErrors.CategoryInvalidConfig, "config_invalid", "", false)
	}
	configuration.normalize()
	if err := configuration.validate(); err != nil {
		return Config{}, labErrors.Wrap(err, labErrors.CategoryInvalidConfig, "config_invalid", "", false)
	}
	return configuration, nil
}

// LogLevel maps logging.level onto slog; unset means info.
func (configuration Config) LogLevel() slog.Level {
	switch configuration.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (configuration *Config) normalize() {
	configuration.Run.BaseDir = strings.TrimSpace(configuration.Run.BaseDir)
	configuration.Run.SchemaDir = strings.TrimSpace(configuration.Run.SchemaDir)
	configuration.Logging.Level = strings.ToLower(strings.TrimSpace(configuration.Logging.Level))
	configuration.Logging.Format = strings.ToLower(strings.TrimSpace(configuration.Logging.Format))
}

func (configuration Config) validate() error {
	if configuration.Run.Parallelism < 0 {
		return fmt.Errorf("run.parallelism must be >= 0, got %d", configuration.Run.Parallelism)
	}
	switch configuration.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q", configuration.Logging.Level)
	}
	switch configuration.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported logging.format %q", configuration.Logging.Format)
	}
	return nil
}
