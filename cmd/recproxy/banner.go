package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/recproxy/internal/config"
)

func bannerLines(cfg *config.Config) []string {
	var lines []string

	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	lines = append(lines, fmt.Sprintf("🚀 Listening on:    http://%s:%d", host, cfg.Server.Port))
	lines = append(lines, fmt.Sprintf("📁 Storage:         %s", cfg.StorageLocation))
	lines = append(lines, fmt.Sprintf("📊 Log Level:       %s", cfg.Log.Level))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("📦 Assets Driver:   %s", cfg.Assets.Driver))
	if cfg.Assets.Driver != "local" {
		lines = append(lines, fmt.Sprintf("   └─ Clones:       %s", cfg.Assets.Folder))
		lines = append(lines, fmt.Sprintf("   └─ Git Host:     %s", cfg.Assets.GitHost))
		push := "Disabled"
		if cfg.Assets.PushOnStop {
			push = fmt.Sprintf("Enabled (branch %s)", cfg.Assets.AutoBranch)
		}
		lines = append(lines, fmt.Sprintf("   └─ Push on stop: %s", push))
	}

	journal := "Disabled"
	if cfg.Journal.Driver != "none" {
		journal = fmt.Sprintf("%s (%s)", cfg.Journal.Driver, cfg.Journal.Path)
	}
	lines = append(lines, fmt.Sprintf("🗂️ Journal:          %s", journal))

	events := "Disabled"
	if cfg.Events.Enable {
		events = "Enabled (/Admin/Events)"
	}
	lines = append(lines, fmt.Sprintf("📡 Event Stream:    %s", events))
	if cfg.Forward.TLSInsecureSkipVerify {
		lines = append(lines, "⚠️ Upstream TLS:     verification disabled")
	}

	lines = append(lines, "")
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, "💾 File Logging:    Enabled")
		lines = append(lines, fmt.Sprintf("   └─ %s (%dMB, %d backups, %d days)",
			cfg.Log.FileLogging.Path,
			cfg.Log.FileLogging.MaxSizeMB,
			cfg.Log.FileLogging.MaxBackups,
			cfg.Log.FileLogging.MaxAgeDays))
	} else {
		lines = append(lines, "💾 File Logging:    Disabled")
	}

	lines = append(lines, "", "(Press Ctrl+C to stop)")
	return lines
}

func printStartupBanner(w io.Writer, cfg *config.Config) {
	titleLine := fmt.Sprintf("recproxy v%s", version)
	subtitleLine := "Record & Playback Test Proxy"
	lines := bannerLines(cfg)

	maxWidth := runewidth.StringWidth(titleLine)
	for _, line := range append(lines, subtitleLine) {
		if lw := runewidth.StringWidth(line); lw > maxWidth {
			maxWidth = lw
		}
	}

	// 2 characters margin on left and right
	boxWidth := maxWidth + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(w, titleLine, boxWidth, true)
	printBoxContent(w, subtitleLine, boxWidth, true)
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(w, line, boxWidth, false)
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)
}

// printBoxContent prints one padded line between the box borders
func printBoxContent(w io.Writer, content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}

	fmt.Fprintf(w, "│%s%s%s│\n", leftPad, content, rightPad)
}
