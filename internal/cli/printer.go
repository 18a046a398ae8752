package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/sink"
)

// printerStyles are the line styles used by Printer.
type printerStyles struct {
	time    lipgloss.Style
	label   lipgloss.Style
	pinned  lipgloss.Style
	removed lipgloss.Style
	muted   lipgloss.Style
	status  map[model.Status]lipgloss.Style
	toast   map[model.Severity]lipgloss.Style
}

func newPrinterStyles(r *lipgloss.Renderer) printerStyles {
	fg := func(c string) lipgloss.Style {
		return r.NewStyle().Foreground(lipgloss.Color(c))
	}
	return printerStyles{
		time:    fg("#6c7086"),
		label:   r.NewStyle().Bold(true),
		pinned:  fg("#a6e3a1").Bold(true),
		removed: fg("#f38ba8"),
		muted:   fg("#9399b2"),
		status: map[model.Status]lipgloss.Style{
			model.StatusConnecting:   fg("#f9e2af"),
			model.StatusConnected:    fg("#a6e3a1").Bold(true),
			model.StatusDisconnected: fg("#9399b2"),
			model.StatusError:        fg("#f38ba8").Bold(true),
		},
		toast: map[model.Severity]lipgloss.Style{
			model.SeverityInfo:    fg("#89b4fa"),
			model.SeveritySuccess: fg("#a6e3a1"),
			model.SeverityWarning: fg("#f9e2af"),
			model.SeverityError:   fg("#f38ba8").Bold(true),
		},
	}
}

// Printer is a sink that writes one styled line per event. Colors are only
// emitted when w is a terminal.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	styles   printerStyles
	now      func() time.Time
	showSync bool
	lastSync time.Time
}

var _ sink.Sink = (*Printer)(nil)

// NewPrinter creates a Printer. showSync prints a line for every successful
// sync, which is noisy while polling.
func NewPrinter(w io.Writer, showSync bool) *Printer {
	return &Printer{
		w:        w,
		styles:   newPrinterStyles(lipgloss.NewRenderer(w)),
		now:      time.Now,
		showSync: showSync,
	}
}

// LastSync returns when the last sync completed.
func (p *Printer) LastSync() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSync
}

func (p *Printer) OnConnectionStatusChange(status model.Status) {
	style, ok := p.styles.status[status]
	if !ok {
		style = p.styles.muted
	}
	p.line("status", style.Render(cases.Title(language.English).String(string(status))))
}

func (p *Printer) OnError(message string) {
	p.line("error", p.styles.status[model.StatusError].Render(message))
}

func (p *Printer) OnSyncTimeUpdate() {
	p.mu.Lock()
	p.lastSync = p.now()
	p.mu.Unlock()
	if p.showSync {
		p.line("sync", p.styles.muted.Render("up to date"))
	}
}

func (p *Printer) OnTaskPinned(taskID string) {
	p.line("pinned", p.styles.pinned.Render("+ "+taskID))
}

func (p *Printer) OnTaskUnpinned(taskID string) {
	p.line("unpinned", p.styles.removed.Render("- "+taskID))
}

func (p *Printer) OnPinUpdated() {
	p.line("updated", p.styles.muted.Render("pin order or timestamps changed"))
}

func (p *Printer) OnToast(message string, severity model.Severity) {
	style, ok := p.styles.toast[severity]
	if !ok {
		style = p.styles.muted
	}
	p.line(string(severity), style.Render(message))
}

func (p *Printer) line(label, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.styles.time.Render(p.now().Format("15:04:05"))
	fmt.Fprintf(p.w, "%s %s %s\n", ts, p.styles.label.Render(fmt.Sprintf("%-9s", label)), body)
}

// syncWriter serializes writes from the printer and the command loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}
