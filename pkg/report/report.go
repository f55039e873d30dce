// Package report renders plugin results and journal records for terminals
// and for machine consumption.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/stores"
)

// Printer writes human readable reports. Colors follow the capabilities of
// the destination writer, so a pipe or a buffer gets plain text.
type Printer struct {
	w   io.Writer
	now func() time.Time

	plugin  lipgloss.Style
	detail  lipgloss.Style
	created lipgloss.Style
	updated lipgloss.Style
	same    lipgloss.Style
	skipped lipgloss.Style
	failed  lipgloss.Style
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		now:     time.Now,
		plugin:  r.NewStyle().Bold(true),
		detail:  r.NewStyle().Foreground(lipgloss.Color("#A0AEC0")),
		created: r.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		updated: r.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		same:    r.NewStyle().Foreground(lipgloss.Color("#CCCCCC")),
		skipped: r.NewStyle().Foreground(lipgloss.Color("#F7B801")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
	}
}

var markers = map[engine.Status]string{
	engine.StatusCreated:   "+",
	engine.StatusUpdated:   "~",
	engine.StatusUnchanged: "=",
	engine.StatusSkipped:   "-",
	engine.StatusFailed:    "!",
}

func (p *Printer) statusStyle(s engine.Status) lipgloss.Style {
	switch s {
	case engine.StatusCreated:
		return p.created
	case engine.StatusUpdated:
		return p.updated
	case engine.StatusSkipped:
		return p.skipped
	case engine.StatusFailed:
		return p.failed
	default:
		return p.same
	}
}

func (p *Printer) status(s engine.Status) string {
	return p.statusStyle(s).Render(fmt.Sprintf("%-9s", s))
}

// Result prints one invocation: a header line, one line per primitive, the
// facts in key order, and the error if any.
func (p *Printer) Result(res *engine.Result) error {
	var b strings.Builder

	changed := "no change"
	if res.Changed {
		changed = "changed"
	}
	fmt.Fprintf(&b, "%s %s %s\n",
		p.plugin.Render(res.Plugin),
		p.status(res.Status),
		p.detail.Render(fmt.Sprintf("(%s, %s)", changed, res.Duration.Round(time.Millisecond))))
	if res.Message != "" {
		fmt.Fprintf(&b, "  %s\n", p.detail.Render(res.Message))
	}

	nameWidth := 0
	for _, item := range res.Items {
		if len(item.Name) > nameWidth {
			nameWidth = len(item.Name)
		}
	}
	for _, item := range res.Items {
		line := fmt.Sprintf("  %s %s %-*s %s",
			p.statusStyle(item.Status).Render(markers[item.Status]),
			p.status(item.Status),
			nameWidth, item.Name,
			item.Target)
		if item.Message != "" {
			line += " " + p.detail.Render(item.Message)
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}

	if len(res.Facts) > 0 {
		keys := make([]string, 0, len(res.Facts))
		for k := range res.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("  facts:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s = %s\n", k, formatFact(res.Facts[k]))
		}
	}

	if res.Error != nil {
		fmt.Fprintf(&b, "  %s %s\n", p.failed.Render("error:"), res.Error.Error())
	}

	_, err := io.WriteString(p.w, b.String())
	return err
}

func formatFact(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Invocations prints journal records newest first, one per line.
func (p *Printer) Invocations(invs []*stores.Invocation) error {
	var b strings.Builder
	if len(invs) == 0 {
		b.WriteString(p.detail.Render("no invocations recorded") + "\n")
	}
	for _, inv := range invs {
		fmt.Fprintf(&b, "%s %s %-16s %s %s\n",
			p.detail.Render(shortID(inv.ID)),
			p.status(inv.Status),
			inv.Plugin,
			p.detail.Render(humanize.RelTime(inv.StartedAt, p.now(), "ago", "from now")),
			p.detail.Render(inv.Duration.Round(time.Millisecond).String()))
		if inv.ErrorMessage != nil {
			fmt.Fprintf(&b, "    %s\n", p.failed.Render(*inv.ErrorMessage))
		}
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

// Summary prints per plugin counts.
func (p *Printer) Summary(rows []*stores.Summary) error {
	var b strings.Builder
	total := 0
	for _, row := range rows {
		total += row.Count
		fmt.Fprintf(&b, "%-16s %s %8s %s\n",
			row.Plugin,
			p.status(row.Status),
			humanize.Comma(int64(row.Count)),
			p.detail.Render(fmt.Sprintf("(%s changed)", humanize.Comma(int64(row.Changed)))))
	}
	fmt.Fprintf(&b, "%s invocations\n", humanize.Comma(int64(total)))
	_, err := io.WriteString(p.w, b.String())
	return err
}

// Facts prints facts as plugin/key = value.
func (p *Printer) Facts(facts []*stores.Fact) error {
	var b strings.Builder
	for _, f := range facts {
		var v interface{}
		value := f.Value
		if err := json.Unmarshal([]byte(f.Value), &v); err == nil {
			value = formatFact(v)
		}
		fmt.Fprintf(&b, "%s/%s = %s %s\n", f.Plugin, f.Key, value,
			p.detail.Render("("+humanize.RelTime(f.UpdatedAt, p.now(), "ago", "from now")+")"))
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// JSON writes v as indented JSON followed by a newline.
func JSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
