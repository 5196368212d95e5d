package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// GlobalConfig is the application wide logging configuration.
type GlobalConfig struct {
	DefaultLevel    LogLevel
	PackageLevels   map[string]LogLevel
	Writer          io.Writer
	ConsoleFormat   bool
	ShowCaller      bool
	TimeLocation    string
	ShowGoroutineID bool
}

// developerConfiguration is used until the application loads its own configuration.
func developerConfiguration() GlobalConfig {
	return GlobalConfig{
		DefaultLevel:  DEBUG,
		PackageLevels: map[string]LogLevel{},
		Writer:        os.Stdout,
		ConsoleFormat: term.IsTerminal(int(os.Stdout.Fd())),
		ShowCaller:    true,
		TimeLocation:  "Local",
	}
}

// Config is the YAML representation of GlobalConfig.
type Config struct {
	DefaultLevel    string            `yaml:"defaultLevel"`
	PackageLevels   map[string]string `yaml:"packageLevels"`
	OutputPath      string            `yaml:"outputPath"`
	ConsoleFormat   *bool             `yaml:"consoleFormat"`
	ShowCaller      bool              `yaml:"showCaller"`
	TimeLocation    string            `yaml:"timeLocation"`
	ShowGoroutineID bool              `yaml:"showGoroutineID"`
}

func loadGlobalConfigFromFile(fileName string) (GlobalConfig, error) {
	data, err := os.ReadFile(filepath.Clean(fileName))
	if err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to read logger config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to unmarshal logger config: %w", err)
	}
	return cfg.GlobalConfig()
}

// GlobalConfig converts the YAML representation into GlobalConfig. Opens the
// output file when OutputPath is set.
func (cfg *Config) GlobalConfig() (GlobalConfig, error) {
	gc := GlobalConfig{
		DefaultLevel:    LevelFromString(cfg.DefaultLevel),
		PackageLevels:   make(map[string]LogLevel, len(cfg.PackageLevels)),
		Writer:          os.Stdout,
		ShowCaller:      cfg.ShowCaller,
		TimeLocation:    cfg.TimeLocation,
		ShowGoroutineID: cfg.ShowGoroutineID,
	}
	switch cfg.OutputPath {
	case "", "stdout":
	case "stderr":
		gc.Writer = os.Stderr
	case "discard":
		gc.Writer = io.Discard
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // -rw-------
		if err != nil {
			return GlobalConfig{}, fmt.Errorf("failed to open log file: %w", err)
		}
		gc.Writer = file
	}
	if cfg.ConsoleFormat != nil {
		gc.ConsoleFormat = *cfg.ConsoleFormat
	} else if f, ok := gc.Writer.(*os.File); ok {
		gc.ConsoleFormat = term.IsTerminal(int(f.Fd()))
	}
	for k, v := range cfg.PackageLevels {
		gc.PackageLevels[k] = LevelFromString(v)
	}
	return gc, nil
}
