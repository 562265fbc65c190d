// ABOUTME: Formatting utilities for the line-mode client
// ABOUTME: Renders messages, session lists and traffic counters with lipgloss
package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray

	timeStyle    = lipgloss.NewStyle().Foreground(MutedColor)
	selfStyle    = lipgloss.NewStyle().Foreground(PrimaryColor).Bold(true)
	senderStyle  = lipgloss.NewStyle().Foreground(SecondaryColor).Bold(true)
	systemStyle  = lipgloss.NewStyle().Foreground(WarningColor)
	notifyStyle  = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)
	sessionStyle = lipgloss.NewStyle().Foreground(PrimaryColor)
)

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatRelativeTime formats a timestamp as relative time (e.g., "5m ago")
func FormatRelativeTime(t time.Time) string {
	diff := time.Since(t)

	if diff < time.Minute {
		return "just now"
	}
	if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}

// FormatMessage renders one incoming message as a single line. self is the
// local user name; their own echoed messages are highlighted differently.
func FormatMessage(msg protocol.Message, self string) string {
	stamp := ""
	if msg.Timestamp > 0 {
		stamp = timeStyle.Render(time.UnixMicro(msg.Timestamp).Format("15:04")) + " "
	}

	switch msg.Kind {
	case protocol.KindChat:
		style := senderStyle
		if msg.Sender == self {
			style = selfStyle
		}
		return fmt.Sprintf("%s%s %s: %s", stamp, sessionStyle.Render("["+msg.Target+"]"), style.Render(msg.Sender), msg.Body)

	case protocol.KindNotify:
		return stamp + notifyStyle.Render("* "+msg.Body)

	default:
		return stamp + systemStyle.Render("-- "+msg.Body)
	}
}

// FormatSession renders one row of the /sessions listing
func FormatSession(info SessionInfo) string {
	var b strings.Builder

	marker := " "
	if info.Current {
		marker = "*"
	}
	b.WriteString(marker)
	b.WriteString(" ")
	b.WriteString(sessionStyle.Render(info.ID))
	b.WriteString(timeStyle.Render(fmt.Sprintf(" (%s)", info.Kind)))

	if info.Unread > 0 {
		b.WriteString(senderStyle.Render(fmt.Sprintf(" %d unread", info.Unread)))
	}
	if info.LastMessageAt > 0 {
		b.WriteString(timeStyle.Render("  " + FormatRelativeTime(time.UnixMicro(info.LastMessageAt))))
	}
	if !info.Joined {
		b.WriteString(timeStyle.Render("  not joined"))
	}

	return b.String()
}

// FormatTraffic renders the byte counters of a connection
func FormatTraffic(sent, received uint64) string {
	return fmt.Sprintf("sent %s, received %s", FormatBytes(sent), FormatBytes(received))
}
