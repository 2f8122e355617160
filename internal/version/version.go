package version

import (
	"strconv"
	"strings"
)

// Set at build time with -ldflags "-X livereload/internal/version.Version=...".
var (
	Version   = "dev"
	Major     = "0"
	Minor     = "0"
	Patch     = "0"
	Built     = ""
	GitCommit = ""
)

type Info struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Major:     atoi(Major),
		Minor:     atoi(Minor),
		Patch:     atoi(Patch),
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// String renders the one-line form printed by --version.
func (info Info) String() string {
	var builder strings.Builder
	builder.WriteString("livereload ")
	builder.WriteString(info.Version)
	var details []string
	if info.GitCommit != "" {
		details = append(details, "commit "+info.GitCommit)
	}
	if info.Built != "" {
		details = append(details, "built "+info.Built)
	}
	if len(details) > 0 {
		builder.WriteString(" (")
		builder.WriteString(strings.Join(details, ", "))
		builder.WriteString(")")
	}
	return builder.String()
}

func atoi(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
