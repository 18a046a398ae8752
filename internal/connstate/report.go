package connstate

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// reportEvents is how many recent history entries the report lists.
const reportEvents = 10

// DiagnosticReport renders state, metrics and stability as plain text for
// operators. All sections come from one snapshot taken at the same instant.
func (m *Manager) DiagnosticReport() string {
	m.mu.Lock()
	now := m.now()
	state := m.snapshotLocked(now)
	metrics := m.metricsLocked(now)
	assessment := m.assessLocked(now)
	history := m.history[max(0, len(m.history)-reportEvents):]
	history = append([]StateChangeEvent(nil), history...)
	m.mu.Unlock()

	title := cases.Title(language.English)

	var b strings.Builder
	b.WriteString("=== Connection Diagnostic Report ===\n")
	fmt.Fprintf(&b, "Generated: %s\n", formatTime(now))

	b.WriteString("\nState:\n")
	fmt.Fprintf(&b, "  Mode: %s\n", title.String(string(state.Mode)))
	fmt.Fprintf(&b, "  Status: %s\n", title.String(string(state.Status)))
	fmt.Fprintf(&b, "  Quality: %s\n", title.String(string(state.Quality)))
	fmt.Fprintf(&b, "  Latency: %s\n", state.Latency)
	fmt.Fprintf(&b, "  Last Connected: %s\n", formatTime(state.LastConnected))
	fmt.Fprintf(&b, "  Last Error: %s\n", orNone(state.LastError))
	fmt.Fprintf(&b, "  Reconnect Attempts: %d\n", state.ReconnectAttempts)
	fmt.Fprintf(&b, "  Total Failures: %d\n", state.TotalFailures)
	fmt.Fprintf(&b, "  Uptime: %s\n", state.Uptime)

	b.WriteString("\nMetrics:\n")
	fmt.Fprintf(&b, "  Total Attempts: %d\n", metrics.TotalAttempts)
	fmt.Fprintf(&b, "  Successful Connections: %d\n", metrics.SuccessfulConnections)
	fmt.Fprintf(&b, "  Failed Connections: %d\n", metrics.FailedConnections)
	fmt.Fprintf(&b, "  Average Latency: %s\n", metrics.AverageLatency)
	fmt.Fprintf(&b, "  Uptime Percentage: %.1f%%\n", metrics.UptimePercentage)
	fmt.Fprintf(&b, "  Last Error Time: %s\n", formatTime(metrics.LastErrorTime))
	fmt.Fprintf(&b, "  Connection Duration: %s\n", metrics.ConnectionDuration)

	b.WriteString("\nStability:\n")
	verdict := "stable"
	if !assessment.IsStable {
		verdict = "unstable"
	}
	fmt.Fprintf(&b, "  Score: %d/100 (%s)\n", assessment.StabilityScore, verdict)
	if len(assessment.Factors) == 0 {
		b.WriteString("  Factors: none\n")
	} else {
		b.WriteString("  Factors:\n")
		for _, f := range assessment.Factors {
			fmt.Fprintf(&b, "    - %s\n", f)
		}
	}

	if len(state.Metadata) > 0 {
		b.WriteString("\nMetadata:\n")
		keys := make([]string, 0, len(state.Metadata))
		for k := range state.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, state.Metadata[k])
		}
	}

	b.WriteString("\nRecent Events:\n")
	if len(history) == 0 {
		b.WriteString("  none\n")
	}
	for _, e := range history {
		fmt.Fprintf(&b, "  %s %s/%s -> %s/%s (%s)\n",
			formatTime(e.Timestamp),
			e.Previous.Mode, e.Previous.Status,
			e.Current.Mode, e.Current.Status,
			e.Trigger,
		)
	}

	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
