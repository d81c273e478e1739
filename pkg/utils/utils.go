package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type levelStyle struct {
	level string
	style lipgloss.Style
}

func badge(bg, fg string) lipgloss.Style {
	return lipgloss.NewStyle().
		Padding(0, 1, 0, 1).
		Bold(true).
		MaxWidth(80).
		Background(lipgloss.Color(bg)).
		Foreground(lipgloss.Color(fg))
}

var levelStyles = []levelStyle{
	{"INFO", badge("87", "16")},
	{"WARN", badge("214", "0")},
	{"ERRO", badge("204", "0")},
	{"DEBU", badge("63", "0")},
}

// ColorizeLogs renders the level of each plain log line as a coloured badge. Lines that
// already carry ANSI codes are left alone.
func ColorizeLogs(logs []string) []string {
	for i, line := range logs {
		if strings.Contains(line, "\x1b[") {
			continue
		}
		for _, ls := range levelStyles {
			if strings.Contains(line, ls.level) {
				logs[i] = strings.Replace(line, ls.level, ls.style.Render(ls.level), 1)
				break
			}
		}
	}
	return logs
}

// FormatRemaining renders a countdown as h:mm:ss, or m:ss under an hour.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatAmount renders an amount in minor units with two decimals.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
