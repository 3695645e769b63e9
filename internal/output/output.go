// Package output provides styled terminal output helpers (success, error,
// warning, entity formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/replica"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stateStyles  = map[models.State]lipgloss.Style{
		models.StatePending:   lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StateActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StateSuspended: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StateArchived:  lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
	// States from custom tables fall back to this
	defaultStateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))

	titleCase = cases.Title(language.English)
)

// Format selects how commands print results
type Format int

const (
	FormatText Format = iota
	FormatJSON
	FormatYAML
)

// Stdout is where the print helpers write; tests swap it
var Stdout io.Writer = os.Stdout

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Fprintln(Stdout, successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(Stdout, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Fprintln(Stdout, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Fprintf(Stdout, format+"\n", args...)
}

// JSON outputs data as indented JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, string(data))
	return nil
}

// YAML outputs data as YAML. Values go through JSON first so field names
// match the JSON output.
func YAML(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	data, err := yaml.Marshal(generic)
	if err != nil {
		return err
	}
	fmt.Fprint(Stdout, string(data))
	return nil
}

// Print writes v as JSON or YAML, or calls text for FormatText
func Print(f Format, v any, text func() string) error {
	switch f {
	case FormatJSON:
		return JSON(v)
	case FormatYAML:
		return YAML(v)
	default:
		fmt.Fprintln(Stdout, text())
		return nil
	}
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidInput      = "invalid_input"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeUnavailable       = "unavailable"
	ErrCodeInternal          = "internal"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Fprintln(Stdout, string(data))
}

// StateLabel title-cases a state name for headings
func StateLabel(s models.State) string {
	return titleCase.String(strings.ReplaceAll(string(s), "_", " "))
}

// FormatState formats a state with color
func FormatState(s models.State) string {
	style, ok := stateStyles[s]
	if !ok {
		style = defaultStateStyle
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatEntityShort formats an entity on one line
func FormatEntityShort(e models.Entity) string {
	parts := []string{
		titleStyle.Render(e.ID),
		FormatState(e.State),
		subtleStyle.Render(fmt.Sprintf("v%d", e.Version)),
	}
	if attrs := FormatAttributesInline(e.Attributes); attrs != "" {
		parts = append(parts, attrs)
	}
	return strings.Join(parts, "  ")
}

// FormatAttributesInline renders attributes as sorted key=value pairs
func FormatAttributesInline(attrs models.Attributes) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%s", k, formatValue(attrs[k]))
	}
	return strings.Join(pairs, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// FormatEntityLong formats an entity with its attributes and history
func FormatEntityLong(e models.Entity, history []models.ActivityRecord) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(e.ID))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("State: %s\n", FormatState(e.State)))
	sb.WriteString(fmt.Sprintf("Version: %d | Origin: %s\n", e.Version, e.Origin))
	sb.WriteString(fmt.Sprintf("Updated: %s\n", FormatTimestamp(e.UpdatedAt)))

	if len(e.Attributes) > 0 {
		sb.WriteString(SectionHeader("attributes"))
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", k, formatValue(e.Attributes[k])))
		}
	}

	if len(history) > 0 {
		sb.WriteString(SectionHeader("activity"))
		for _, rec := range history {
			sb.WriteString("  ")
			sb.WriteString(FormatActivity(rec))
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// FormatActivity formats one activity record on a line
func FormatActivity(rec models.ActivityRecord) string {
	detail := ""
	switch rec.Type {
	case models.ActivityStateChange:
		detail = fmt.Sprintf("%v -> %v", rec.Payload[models.PayloadFrom], rec.Payload[models.PayloadTo])
	case models.ActivityCreated:
		detail = fmt.Sprintf("in %v", rec.Payload[models.PayloadState])
	case models.ActivityUpdated:
		if changed, ok := rec.Payload[models.PayloadNew].(map[string]any); ok {
			detail = FormatAttributesInline(changed)
		}
	case models.ActivityDeleted:
		detail = fmt.Sprintf("from %v", rec.Payload[models.PayloadState])
	case models.ActivityResync:
		detail = fmt.Sprintf("%v -> %v (from v%v)", rec.Payload[models.PayloadFrom], rec.Payload[models.PayloadTo], rec.Payload[models.PayloadFromVer])
	}
	line := fmt.Sprintf("[%s] v%d %-12s %s", FormatTimestamp(rec.Timestamp), rec.Version, rec.Type, detail)
	return strings.TrimRight(line, " ") + subtleStyle.Render(" ("+rec.Origin+")")
}

// FormatTimestamp formats a time in UTC to the second
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatStats formats engine stats as a summary block
func FormatStats(st replica.Stats) string {
	var sb strings.Builder
	status := successStyle.Render("running")
	if !st.IsRunning {
		status = warningStyle.Render("stopped")
	}
	if st.Degraded {
		status = errorStyle.Render("degraded")
	}

	sb.WriteString(titleStyle.Render("Node " + st.NodeID))
	sb.WriteString(fmt.Sprintf("  %s\n", status))
	sb.WriteString(fmt.Sprintf("Entities: %d | Activity: %d | Tombstones: %d\n", st.Entities, st.ActivityRecords, st.Tombstones))
	sb.WriteString(fmt.Sprintf("Queue: %d | Peers: %d | Sequence: %d\n", st.QueueSize, st.PeerCount, st.Sequence))

	m := st.Metrics
	sb.WriteString(SectionHeader("replication"))
	sb.WriteString(fmt.Sprintf("  sent:       %d events in %d batches\n", m.EventsSent, m.BatchesSent))
	sb.WriteString(fmt.Sprintf("  failures:   %d dispatch, %d dropped\n", m.DispatchFailures, m.EventsDropped))
	sb.WriteString(fmt.Sprintf("  applied:    %d (%d duplicate, %d echo, %d failed)\n", m.Applied, m.Duplicates, m.EchoesDropped, m.ApplyFailures))

	if len(st.Peers) > 0 {
		sb.WriteString(SectionHeader("peers"))
		for _, line := range FormatPeers(st.Peers) {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatPeers formats one line per peer, with the last error if any
func FormatPeers(peers []replica.PeerStats) []string {
	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		line := fmt.Sprintf("%s  pending=%d delivered=%d failures=%d dropped=%d", titleStyle.Render(p.Address), p.Pending, p.Delivered, p.Failures, p.Dropped)
		if p.LastError != "" {
			line += "  " + errorStyle.Render(p.LastError)
		}
		lines = append(lines, line)
	}
	return lines
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPEERS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
