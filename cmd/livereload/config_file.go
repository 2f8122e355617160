package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var defaultConfigFiles = []string{"livereload.toml", "livereload.yaml", "livereload.yml"}

// fileConfig mirrors the keys accepted in livereload.toml / livereload.yaml.
// Pointer fields distinguish "absent" from zero values.
type fileConfig struct {
	Root             *string  `toml:"root" yaml:"root"`
	Index            *string  `toml:"index" yaml:"index"`
	Host             *string  `toml:"host" yaml:"host"`
	Port             *int     `toml:"port" yaml:"port"`
	Debounce         *string  `toml:"debounce" yaml:"debounce"`
	Dedupe           *bool    `toml:"dedupe" yaml:"dedupe"`
	Extensions       []string `toml:"extensions" yaml:"extensions"`
	SubscriberBuffer *int     `toml:"subscriber_buffer" yaml:"subscriber_buffer"`
	MaxClients       *int     `toml:"max_clients" yaml:"max_clients"`
	AllowedOrigins   []string `toml:"allowed_origins" yaml:"allowed_origins"`
	MaxWatches       *int     `toml:"max_watches" yaml:"max_watches"`
	LogLevel         *string  `toml:"log_level" yaml:"log_level"`
	Trace            *bool    `toml:"trace" yaml:"trace"`
}

// findConfigFile returns the explicit path, or the first default file present
// in the working directory, or "" when there is none.
func findConfigFile(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	for _, name := range defaultConfigFiles {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return name, nil
		}
	}
	return "", nil
}

func loadConfigFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return fileConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fileConfig{}, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return fileConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fileConfig{}, fmt.Errorf("unsupported config file extension %q", ext)
	}
	return cfg, nil
}
