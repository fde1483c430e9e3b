// Package cli holds helpers shared by the command line tools
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Build information, set with -ldflags at release time
var (
	BuildDate = "unknown"
	CommitSHA = "unknown"
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Tool      string `json:"tool"`
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo(tool, version string) *VersionInfo {
	return &VersionInfo{
		Tool:      tool,
		Version:   version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion writes version information as text or JSON
func PrintVersion(w io.Writer, info *VersionInfo, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal version info: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	fmt.Fprintf(w, "%s v%s\n", info.Tool, info.Version)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
	return nil
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// CommandInfo describes one interactive command
type CommandInfo struct {
	Name        string
	Usage       string
	Description string
}

// PrintCommands writes an aligned command table
func PrintCommands(w io.Writer, commands []CommandInfo) {
	width := 0
	for _, cmd := range commands {
		width = max(width, len(cmd.Usage))
	}
	fmt.Fprintf(w, "Available commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-*s - %s\n", width, cmd.Usage, cmd.Description)
	}
}

// FindCommand returns the command named by the first word of line and
// the remaining words
func FindCommand(commands []CommandInfo, line string) (CommandInfo, []string, bool) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return CommandInfo{}, nil, false
	}
	for _, cmd := range commands {
		if cmd.Name == words[0] {
			return cmd, words[1:], true
		}
	}
	return CommandInfo{Name: words[0]}, words[1:], false
}
