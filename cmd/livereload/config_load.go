package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"livereload/internal/classify"
	"livereload/internal/cli"
	"livereload/internal/logging"
	"livereload/internal/watcher"

	"github.com/joho/godotenv"
)

const envPrefix = "LIVERELOAD_"

type Config struct {
	Root             string
	Index            string
	Host             string
	Port             int
	Debounce         time.Duration
	Dedupe           bool
	Extensions       []string
	SubscriberBuffer int
	MaxClients       int
	AllowedOrigins   []string
	MaxWatches       int
	LogLevel         logging.Level
	Trace            bool
	ConfigFile       string
	ShowVersion      bool
	Sources          map[string]configSource
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

type configDefaults struct {
	Root             string
	Host             string
	Port             int
	Debounce         time.Duration
	Dedupe           bool
	Extensions       []string
	SubscriberBuffer int
	MaxClients       int
	MaxWatches       int
	LogLevel         logging.Level
}

type flagValues struct {
	Config           string
	Root             string
	Index            string
	Host             string
	Port             int
	Debounce         time.Duration
	Dedupe           bool
	Extensions       string
	SubscriberBuffer int
	MaxClients       int
	AllowedOrigins   string
	MaxWatches       int
	LogLevel         *cli.LogLevelFlags
	Trace            bool
	Help             bool
	Version          bool
	Set              map[string]bool
}

type helpOption struct {
	Name string
	Desc string
}

func defaultConfigValues() configDefaults {
	return configDefaults{
		Root:             "assets",
		Host:             "127.0.0.1",
		Port:             3307,
		Debounce:         watcher.DefaultDebounce,
		Dedupe:           true,
		Extensions:       classify.DefaultExtensions,
		SubscriberBuffer: 16,
		MaxClients:       0,
		MaxWatches:       4096,
		LogLevel:         logging.LevelInfo,
	}
}

// loadConfig layers defaults, the config file, the environment (including a
// .env file in the working directory) and flags, in increasing precedence.
func loadConfig(args []string) (Config, error) {
	defaults := defaultConfigValues()
	flags, err := parseFlags(args, defaults)
	if err != nil {
		return Config{}, err
	}
	if flags.Version {
		return Config{ShowVersion: true}, nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Root:             defaults.Root,
		Host:             defaults.Host,
		Port:             defaults.Port,
		Debounce:         defaults.Debounce,
		Dedupe:           defaults.Dedupe,
		Extensions:       defaults.Extensions,
		SubscriberBuffer: defaults.SubscriberBuffer,
		MaxClients:       defaults.MaxClients,
		MaxWatches:       defaults.MaxWatches,
		LogLevel:         defaults.LogLevel,
		Sources:          make(map[string]configSource),
	}
	for _, key := range configKeys {
		cfg.Sources[key] = sourceDefault
	}

	configPath := os.Getenv(envPrefix + "CONFIG")
	if flags.Set["config"] {
		configPath = flags.Config
	}
	configPath, err = findConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	if configPath != "" {
		file, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.applyFile(file); err != nil {
			return Config{}, fmt.Errorf("%s: %w", configPath, err)
		}
		cfg.ConfigFile = configPath
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyFlags(flags); err != nil {
		return Config{}, err
	}

	if cfg.Sources["index"] == sourceDefault {
		cfg.Index = filepath.Join(cfg.Root, "index.html")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var configKeys = []string{
	"root", "index", "host", "port", "debounce", "dedupe", "extensions",
	"subscriber_buffer", "max_clients", "allowed_origins", "max_watches", "log_level", "trace",
}

func (cfg *Config) applyFile(file fileConfig) error {
	if file.Root != nil {
		cfg.Root = *file.Root
		cfg.Sources["root"] = sourceFile
	}
	if file.Index != nil {
		cfg.Index = *file.Index
		cfg.Sources["index"] = sourceFile
	}
	if file.Host != nil {
		cfg.Host = *file.Host
		cfg.Sources["host"] = sourceFile
	}
	if file.Port != nil {
		cfg.Port = *file.Port
		cfg.Sources["port"] = sourceFile
	}
	if file.Debounce != nil {
		parsed, err := time.ParseDuration(*file.Debounce)
		if err != nil {
			return fmt.Errorf("invalid debounce %q: %w", *file.Debounce, err)
		}
		cfg.Debounce = parsed
		cfg.Sources["debounce"] = sourceFile
	}
	if file.Dedupe != nil {
		cfg.Dedupe = *file.Dedupe
		cfg.Sources["dedupe"] = sourceFile
	}
	if file.Extensions != nil {
		cfg.Extensions = file.Extensions
		cfg.Sources["extensions"] = sourceFile
	}
	if file.SubscriberBuffer != nil {
		cfg.SubscriberBuffer = *file.SubscriberBuffer
		cfg.Sources["subscriber_buffer"] = sourceFile
	}
	if file.MaxClients != nil {
		cfg.MaxClients = *file.MaxClients
		cfg.Sources["max_clients"] = sourceFile
	}
	if file.AllowedOrigins != nil {
		cfg.AllowedOrigins = file.AllowedOrigins
		cfg.Sources["allowed_origins"] = sourceFile
	}
	if file.MaxWatches != nil {
		cfg.MaxWatches = *file.MaxWatches
		cfg.Sources["max_watches"] = sourceFile
	}
	if file.LogLevel != nil {
		level, ok := logging.ParseLevel(*file.LogLevel)
		if !ok {
			return fmt.Errorf("invalid log_level %q", *file.LogLevel)
		}
		cfg.LogLevel = level
		cfg.Sources["log_level"] = sourceFile
	}
	if file.Trace != nil {
		cfg.Trace = *file.Trace
		cfg.Sources["trace"] = sourceFile
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	if raw, ok := lookupEnv("ROOT"); ok {
		cfg.Root = raw
		cfg.Sources["root"] = sourceEnv
	}
	if raw, ok := lookupEnv("INDEX"); ok {
		cfg.Index = raw
		cfg.Sources["index"] = sourceEnv
	}
	if raw, ok := lookupEnv("HOST"); ok {
		cfg.Host = raw
		cfg.Sources["host"] = sourceEnv
	}
	if err := envInt("PORT", "port", &cfg.Port, cfg.Sources); err != nil {
		return err
	}
	if raw, ok := lookupEnv("DEBOUNCE"); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %sDEBOUNCE %q: %w", envPrefix, raw, err)
		}
		cfg.Debounce = parsed
		cfg.Sources["debounce"] = sourceEnv
	}
	if raw, ok := lookupEnv("DEDUPE"); ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %sDEDUPE %q: %w", envPrefix, raw, err)
		}
		cfg.Dedupe = parsed
		cfg.Sources["dedupe"] = sourceEnv
	}
	if raw, ok := lookupEnv("EXTENSIONS"); ok {
		cfg.Extensions = cli.SplitList(raw)
		cfg.Sources["extensions"] = sourceEnv
	}
	if err := envInt("SUBSCRIBER_BUFFER", "subscriber_buffer", &cfg.SubscriberBuffer, cfg.Sources); err != nil {
		return err
	}
	if err := envInt("MAX_CLIENTS", "max_clients", &cfg.MaxClients, cfg.Sources); err != nil {
		return err
	}
	if raw, ok := lookupEnv("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = cli.SplitList(raw)
		cfg.Sources["allowed_origins"] = sourceEnv
	}
	if err := envInt("MAX_WATCHES", "max_watches", &cfg.MaxWatches, cfg.Sources); err != nil {
		return err
	}
	if raw, ok := lookupEnv("LOG_LEVEL"); ok {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return fmt.Errorf("invalid %sLOG_LEVEL %q", envPrefix, raw)
		}
		cfg.LogLevel = level
		cfg.Sources["log_level"] = sourceEnv
	}
	if raw, ok := lookupEnv("TRACE"); ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %sTRACE %q: %w", envPrefix, raw, err)
		}
		cfg.Trace = parsed
		cfg.Sources["trace"] = sourceEnv
	}
	return nil
}

func (cfg *Config) applyFlags(flags flagValues) error {
	if flags.Set["root"] {
		cfg.Root = flags.Root
		cfg.Sources["root"] = sourceFlag
	}
	if flags.Set["index"] {
		cfg.Index = flags.Index
		cfg.Sources["index"] = sourceFlag
	}
	if flags.Set["host"] {
		cfg.Host = flags.Host
		cfg.Sources["host"] = sourceFlag
	}
	if flags.Set["port"] {
		cfg.Port = flags.Port
		cfg.Sources["port"] = sourceFlag
	}
	if flags.Set["debounce"] {
		cfg.Debounce = flags.Debounce
		cfg.Sources["debounce"] = sourceFlag
	}
	if flags.Set["dedupe"] {
		cfg.Dedupe = flags.Dedupe
		cfg.Sources["dedupe"] = sourceFlag
	}
	if flags.Set["extensions"] {
		cfg.Extensions = cli.SplitList(flags.Extensions)
		cfg.Sources["extensions"] = sourceFlag
	}
	if flags.Set["subscriber-buffer"] {
		cfg.SubscriberBuffer = flags.SubscriberBuffer
		cfg.Sources["subscriber_buffer"] = sourceFlag
	}
	if flags.Set["max-clients"] {
		cfg.MaxClients = flags.MaxClients
		cfg.Sources["max_clients"] = sourceFlag
	}
	if flags.Set["allowed-origins"] {
		cfg.AllowedOrigins = cli.SplitList(flags.AllowedOrigins)
		cfg.Sources["allowed_origins"] = sourceFlag
	}
	if flags.Set["max-watches"] {
		cfg.MaxWatches = flags.MaxWatches
		cfg.Sources["max_watches"] = sourceFlag
	}
	if flags.Set["verbose"] || flags.Set["quiet"] {
		cfg.LogLevel = flags.LogLevel.Level(cfg.LogLevel)
		cfg.Sources["log_level"] = sourceFlag
	}
	if flags.Set["trace"] {
		cfg.Trace = flags.Trace
		cfg.Sources["trace"] = sourceFlag
	}
	return nil
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Root) == "" {
		return errors.New("invalid root: value cannot be empty")
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return errors.New("invalid host: value cannot be empty")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 0 and 65535", cfg.Port)
	}
	if cfg.Debounce <= 0 {
		return fmt.Errorf("invalid debounce %s: must be > 0", cfg.Debounce)
	}
	if len(cfg.Extensions) == 0 {
		return errors.New("invalid extensions: list cannot be empty")
	}
	if cfg.SubscriberBuffer <= 0 {
		return fmt.Errorf("invalid subscriber_buffer %d: must be > 0", cfg.SubscriberBuffer)
	}
	if cfg.MaxClients < 0 {
		return fmt.Errorf("invalid max_clients %d: must be >= 0", cfg.MaxClients)
	}
	if cfg.MaxWatches <= 0 {
		return fmt.Errorf("invalid max_watches %d: must be > 0", cfg.MaxWatches)
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func envInt(name, key string, target *int, sources map[string]configSource) error {
	raw, ok := lookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s %q: %w", envPrefix, name, raw, err)
	}
	*target = parsed
	sources[key] = sourceEnv
	return nil
}

func parseFlags(args []string, defaults configDefaults) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	fs := flag.NewFlagSet("livereload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Config file path")
	root := fs.String("root", defaults.Root, "Directory to watch and serve")
	index := fs.String("index", "", "Index document served at /")
	host := fs.String("host", defaults.Host, "Listen host")
	port := fs.Int("port", defaults.Port, "Listen port")
	debounce := fs.Duration("debounce", defaults.Debounce, "Quiet window before a burst is flushed")
	dedupe := fs.Bool("dedupe", defaults.Dedupe, "Collapse repeated paths within a batch")
	extensions := fs.String("extensions", strings.Join(defaults.Extensions, ","), "Comma separated extension allow-list (stylesheets always included)")
	subscriberBuffer := fs.Int("subscriber-buffer", defaults.SubscriberBuffer, "Batches buffered per client")
	maxClients := fs.Int("max-clients", defaults.MaxClients, "Maximum concurrent clients (0 = unlimited)")
	allowedOrigins := fs.String("allowed-origins", "", "Comma separated websocket origins")
	maxWatches := fs.Int("max-watches", defaults.MaxWatches, "Maximum watched directories")
	trace := fs.Bool("trace", false, "Log a span for every websocket session")
	logLevel := cli.AddLogLevelFlags(fs)
	helpVersion := cli.AddHelpVersionFlags(fs)

	fs.Usage = func() {
		printHelp(fs.Output(), defaults)
	}

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if fs.NArg() > 0 {
		return flagValues{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	set := make(map[string]bool)
	fs.Visit(func(flag *flag.Flag) {
		set[flag.Name] = true
	})

	flags := flagValues{
		Config:           *configPath,
		Root:             *root,
		Index:            *index,
		Host:             *host,
		Port:             *port,
		Debounce:         *debounce,
		Dedupe:           *dedupe,
		Extensions:       *extensions,
		SubscriberBuffer: *subscriberBuffer,
		MaxClients:       *maxClients,
		AllowedOrigins:   *allowedOrigins,
		MaxWatches:       *maxWatches,
		LogLevel:         logLevel,
		Trace:            *trace,
		Help:             helpVersion.Help,
		Version:          helpVersion.Version,
		Set:              set,
	}

	if flags.Help {
		fs.SetOutput(os.Stdout)
		fs.Usage()
		return flags, flag.ErrHelp
	}
	return flags, nil
}

func printHelp(out io.Writer, defaults configDefaults) {
	fmt.Fprintln(out, "Usage: livereload [options]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Watch a directory and push changed files to connected browsers")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")

	writeOptionGroup(out, "Server", []helpOption{
		{Name: "--host HOST", Desc: fmt.Sprintf("Listen host (env: %sHOST, default: %s)", envPrefix, defaults.Host)},
		{Name: "--port PORT", Desc: fmt.Sprintf("Listen port (env: %sPORT, default: %d)", envPrefix, defaults.Port)},
		{Name: "--max-clients N", Desc: fmt.Sprintf("Maximum concurrent clients, 0 for unlimited (env: %sMAX_CLIENTS, default: %d)", envPrefix, defaults.MaxClients)},
		{Name: "--allowed-origins LIST", Desc: fmt.Sprintf("Extra websocket origins (env: %sALLOWED_ORIGINS, default: same host)", envPrefix)},
		{Name: "--subscriber-buffer N", Desc: fmt.Sprintf("Batches buffered per client (env: %sSUBSCRIBER_BUFFER, default: %d)", envPrefix, defaults.SubscriberBuffer)},
	})
	writeOptionGroup(out, "Watch", []helpOption{
		{Name: "--root DIR", Desc: fmt.Sprintf("Directory to watch and serve (env: %sROOT, default: %s)", envPrefix, defaults.Root)},
		{Name: "--index FILE", Desc: fmt.Sprintf("Document served at / (env: %sINDEX, default: <root>/index.html)", envPrefix)},
		{Name: "--debounce DURATION", Desc: fmt.Sprintf("Quiet window per burst (env: %sDEBOUNCE, default: %s)", envPrefix, defaults.Debounce)},
		{Name: "--dedupe", Desc: fmt.Sprintf("Collapse repeated paths in a batch (env: %sDEDUPE, default: %t)", envPrefix, defaults.Dedupe)},
		{Name: "--extensions LIST", Desc: fmt.Sprintf("Extension allow-list; .css is always included (env: %sEXTENSIONS)", envPrefix)},
		{Name: "--max-watches N", Desc: fmt.Sprintf("Maximum watched directories (env: %sMAX_WATCHES, default: %d)", envPrefix, defaults.MaxWatches)},
	})
	writeOptionGroup(out, "General", []helpOption{
		{Name: "--config FILE", Desc: fmt.Sprintf("TOML or YAML config file (env: %sCONFIG, default: %s)", envPrefix, strings.Join(defaultConfigFiles, " or "))},
		{Name: "--verbose", Desc: fmt.Sprintf("Enable debug logging (env: %sLOG_LEVEL)", envPrefix)},
		{Name: "--quiet", Desc: "Only log warnings and errors"},
		{Name: "--trace", Desc: fmt.Sprintf("Log a span per websocket session at debug level (env: %sTRACE)", envPrefix)},
		{Name: "-h, --help", Desc: "Show help"},
		{Name: "-v, --version", Desc: "Print version and exit"},
	})
}

func writeOptionGroup(out io.Writer, title string, options []helpOption) {
	if len(options) == 0 {
		return
	}
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, title+":")
	for _, option := range options {
		fmt.Fprintf(out, "  %-24s %s\n", option.Name, option.Desc)
	}
}

func logStartupConfig(logger *logging.Logger, cfg Config) {
	fields := map[string]string{
		"root":              cfg.Root,
		"index":             cfg.Index,
		"debounce":          cfg.Debounce.String(),
		"dedupe":            strconv.FormatBool(cfg.Dedupe),
		"extensions":        strings.Join(cfg.Extensions, ","),
		"subscriber_buffer": strconv.Itoa(cfg.SubscriberBuffer),
		"max_clients":       strconv.Itoa(cfg.MaxClients),
		"max_watches":       strconv.Itoa(cfg.MaxWatches),
		"trace":             strconv.FormatBool(cfg.Trace),
	}
	if cfg.ConfigFile != "" {
		fields["config_file"] = cfg.ConfigFile
	}
	var overridden []string
	for _, key := range configKeys {
		if source := cfg.Sources[key]; source != sourceDefault && source != "" {
			overridden = append(overridden, key+"="+string(source))
		}
	}
	if len(overridden) > 0 {
		fields["sources"] = strings.Join(overridden, ",")
	}
	logger.Info("config loaded", fields)
}
