// Package cli holds flag helpers shared by the livereload commands.
package cli

import (
	"flag"
	"strings"

	"livereload/internal/logging"
)

type HelpVersionFlags struct {
	Help    bool
	Version bool
}

// AddHelpVersionFlags registers -h/--help and -v/--version on fs.
func AddHelpVersionFlags(fs *flag.FlagSet) *HelpVersionFlags {
	flags := &HelpVersionFlags{}
	if fs == nil {
		return flags
	}
	fs.BoolVar(&flags.Help, "help", false, "Show help")
	fs.BoolVar(&flags.Help, "h", false, "Show help")
	fs.BoolVar(&flags.Version, "version", false, "Print version and exit")
	fs.BoolVar(&flags.Version, "v", false, "Print version and exit")
	return flags
}

type LogLevelFlags struct {
	Verbose bool
	Quiet   bool
}

func AddLogLevelFlags(fs *flag.FlagSet) *LogLevelFlags {
	flags := &LogLevelFlags{}
	if fs == nil {
		return flags
	}
	fs.BoolVar(&flags.Verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&flags.Quiet, "quiet", false, "Only log warnings and errors")
	return flags
}

// Level applies the flags on top of fallback. Verbose wins over quiet.
func (flags *LogLevelFlags) Level(fallback logging.Level) logging.Level {
	switch {
	case flags == nil:
		return fallback
	case flags.Verbose:
		return logging.LevelDebug
	case flags.Quiet:
		return logging.LevelWarning
	default:
		return fallback
	}
}

// SplitList parses a comma separated flag or env value, dropping blanks.
func SplitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
