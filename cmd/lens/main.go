// Command lens opens a media input, decodes it and plays it in the
// terminal: a live status view, optional audio output and periodic PNG
// snapshots of the decoded pictures.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "lens",
		Short: "Open, decode and play media inputs",
		Long: `lens reads files, RTSP and HTTP streams, and MPEG transport streams over
SRT, UDP, TCP and WebSocket, decodes the first video and audio stream and
delivers RGB pictures and 44.1 kHz stereo audio.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newPlayCommand(), newProbeCommand())
	return root
}

// setupLogging installs the default slog logger. When the terminal belongs
// to the TUI, logs go to LENS_LOG_FILE or are discarded. The returned
// function closes the log file.
func setupLogging(tui bool) (func(), error) {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if path := envOr("LENS_LOG_FILE", ""); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closeFn, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	} else if tui {
		w = io.Discard
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return closeFn, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// envBool accepts on/off in addition to strconv.ParseBool's forms.
func envBool(key string, fallback bool) bool {
	switch v := strings.ToLower(os.Getenv(key)); v {
	case "on", "yes":
		return true
	case "off", "no":
		return false
	default:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
}
