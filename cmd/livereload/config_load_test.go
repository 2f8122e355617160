package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livereload/internal/logging"

	"github.com/google/go-cmp/cmp"
)

var configEnvNames = []string{
	"CONFIG", "ROOT", "INDEX", "HOST", "PORT", "DEBOUNCE", "DEDUPE", "EXTENSIONS",
	"SUBSCRIBER_BUFFER", "MAX_CLIENTS", "ALLOWED_ORIGINS", "MAX_WATCHES", "LOG_LEVEL", "TRACE",
}

// isolateConfig moves the test into an empty directory and blanks every
// LIVERELOAD_ variable.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	previous, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() { _ = os.Chdir(previous) })
	for _, name := range configEnvNames {
		t.Setenv(envPrefix+name, "")
	}
	return dir
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	isolateConfig(t)

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Root != "assets" || cfg.Host != "127.0.0.1" || cfg.Port != 3307 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Debounce != 200*time.Millisecond {
		t.Fatalf("expected 200ms debounce, got %v", cfg.Debounce)
	}
	if !cfg.Dedupe {
		t.Fatal("expected dedupe enabled by default")
	}
	if cfg.Index != filepath.Join("assets", "index.html") {
		t.Fatalf("unexpected index %q", cfg.Index)
	}
	if cfg.MaxClients != 0 || cfg.SubscriberBuffer != 16 || cfg.MaxWatches != 4096 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.LogLevel != logging.LevelInfo {
		t.Fatalf("expected info level, got %q", cfg.LogLevel)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("expected no config file, got %q", cfg.ConfigFile)
	}
	for _, key := range configKeys {
		if cfg.Sources[key] != sourceDefault {
			t.Fatalf("expected %s from default, got %q", key, cfg.Sources[key])
		}
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	isolateConfig(t)
	writeFile(t, "livereload.toml", `
root = "web"
port = 4000
debounce = "50ms"
extensions = [".css"]
`)
	t.Setenv(envPrefix+"PORT", "5000")

	cfg, err := loadConfig([]string{"--debounce", "10ms"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ConfigFile != "livereload.toml" {
		t.Fatalf("expected default config file, got %q", cfg.ConfigFile)
	}
	if cfg.Root != "web" || cfg.Port != 5000 || cfg.Debounce != 10*time.Millisecond {
		t.Fatalf("unexpected layered values: root=%q port=%d debounce=%v", cfg.Root, cfg.Port, cfg.Debounce)
	}
	if diff := cmp.Diff([]string{".css"}, cfg.Extensions); diff != "" {
		t.Fatalf("unexpected extensions (-want +got):\n%s", diff)
	}
	if cfg.Index != filepath.Join("web", "index.html") {
		t.Fatalf("expected index under file root, got %q", cfg.Index)
	}

	wantSources := map[string]configSource{
		"root":       sourceFile,
		"port":       sourceEnv,
		"debounce":   sourceFlag,
		"extensions": sourceFile,
		"host":       sourceDefault,
	}
	for key, want := range wantSources {
		if got := cfg.Sources[key]; got != want {
			t.Fatalf("expected %s from %s, got %s", key, want, got)
		}
	}
}

func TestLoadConfigYAMLFromFlag(t *testing.T) {
	dir := isolateConfig(t)
	path := filepath.Join(dir, "dev.yaml")
	writeFile(t, path, `
root: public
index: public/app.html
dedupe: false
max_clients: 3
allowed_origins:
  - http://localhost:5173
log_level: debug
`)

	cfg, err := loadConfig([]string{"--config", path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Root != "public" || cfg.Index != "public/app.html" {
		t.Fatalf("unexpected root/index: %q %q", cfg.Root, cfg.Index)
	}
	if cfg.Dedupe {
		t.Fatal("expected dedupe disabled")
	}
	if cfg.MaxClients != 3 {
		t.Fatalf("expected max clients 3, got %d", cfg.MaxClients)
	}
	if diff := cmp.Diff([]string{"http://localhost:5173"}, cfg.AllowedOrigins); diff != "" {
		t.Fatalf("unexpected origins (-want +got):\n%s", diff)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("expected debug level, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	dir := isolateConfig(t)
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, "max_watches = 12\n")
	t.Setenv(envPrefix+"CONFIG", path)

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxWatches != 12 || cfg.ConfigFile != path {
		t.Fatalf("expected env config file applied, got %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownFileKeys(t *testing.T) {
	cases := map[string]string{
		"livereload.toml": "prot = 1\n",
		"livereload.yaml": "prot: 1\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			isolateConfig(t)
			writeFile(t, name, contents)
			if _, err := loadConfig(nil); err == nil {
				t.Fatalf("expected error for unknown key in %s", name)
			}
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	isolateConfig(t)
	_, err := loadConfig([]string{"--config", "nope.toml"})
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "port range", args: []string{"--port", "70000"}, want: "invalid port"},
		{name: "zero debounce", args: []string{"--debounce", "0s"}, want: "invalid debounce"},
		{name: "zero buffer", args: []string{"--subscriber-buffer", "0"}, want: "invalid subscriber_buffer"},
		{name: "negative clients", args: []string{"--max-clients", "-1"}, want: "invalid max_clients"},
		{name: "zero watches", args: []string{"--max-watches", "0"}, want: "invalid max_watches"},
		{name: "env port", env: map[string]string{"PORT": "abc"}, want: "invalid LIVERELOAD_PORT"},
		{name: "env dedupe", env: map[string]string{"DEDUPE": "maybe"}, want: "invalid LIVERELOAD_DEDUPE"},
		{name: "env level", env: map[string]string{"LOG_LEVEL": "loud"}, want: "invalid LIVERELOAD_LOG_LEVEL"},
		{name: "stray argument", args: []string{"extra"}, want: "unexpected argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isolateConfig(t)
			for name, value := range tc.env {
				t.Setenv(envPrefix+name, value)
			}
			_, err := loadConfig(tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	isolateConfig(t)
	// godotenv never overrides a variable that is already set, even to "".
	t.Setenv(envPrefix+"SUBSCRIBER_BUFFER", "")
	if err := os.Unsetenv(envPrefix + "SUBSCRIBER_BUFFER"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}
	writeFile(t, ".env", envPrefix+"SUBSCRIBER_BUFFER=64\n")

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SubscriberBuffer != 64 {
		t.Fatalf("expected buffer from .env, got %d", cfg.SubscriberBuffer)
	}
	if cfg.Sources["subscriber_buffer"] != sourceEnv {
		t.Fatalf("expected env source, got %q", cfg.Sources["subscriber_buffer"])
	}
}

func TestLoadConfigLogLevelFlags(t *testing.T) {
	isolateConfig(t)
	t.Setenv(envPrefix+"LOG_LEVEL", "error")

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != logging.LevelError {
		t.Fatalf("expected error level from env, got %q", cfg.LogLevel)
	}

	cfg, err = loadConfig([]string{"--verbose"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != logging.LevelDebug || cfg.Sources["log_level"] != sourceFlag {
		t.Fatalf("expected debug level from flag, got %q (%s)", cfg.LogLevel, cfg.Sources["log_level"])
	}
}

func TestLoadConfigListsFromEnvAndFlags(t *testing.T) {
	isolateConfig(t)
	t.Setenv(envPrefix+"EXTENSIONS", ".css, .js")

	cfg, err := loadConfig([]string{"--allowed-origins", "http://a.test,http://b.test"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if diff := cmp.Diff([]string{".css", ".js"}, cfg.Extensions); diff != "" {
		t.Fatalf("unexpected extensions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins); diff != "" {
		t.Fatalf("unexpected origins (-want +got):\n%s", diff)
	}
}

func TestLoadConfigHelpAndVersion(t *testing.T) {
	isolateConfig(t)

	if _, err := loadConfig([]string{"--help"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	cfg, err := loadConfig([]string{"-v"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.ShowVersion {
		t.Fatal("expected ShowVersion")
	}
}

func TestPrintHelpListsOptions(t *testing.T) {
	var out strings.Builder
	printHelp(&out, defaultConfigValues())
	help := out.String()
	for _, want := range []string{"Usage: livereload", "--root DIR", "LIVERELOAD_PORT", "--debounce DURATION", "livereload.toml", ".css is always included"} {
		if !strings.Contains(help, want) {
			t.Fatalf("expected help to mention %q:\n%s", want, help)
		}
	}
}

func TestLoadConfigTrace(t *testing.T) {
	isolateConfig(t)
	writeFile(t, "livereload.toml", "trace = true\n")

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Trace || cfg.Sources["trace"] != sourceFile {
		t.Fatalf("expected trace from file, got %v (%s)", cfg.Trace, cfg.Sources["trace"])
	}

	cfg, err = loadConfig([]string{"--trace=false"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Trace {
		t.Fatal("expected flag to disable trace")
	}
}
