// Package envfile maintains login environment files: the sectioned
// pam_env.conf used for per-user variables and flat KEY=value files such as
// /etc/environment.
package envfile

import (
	"regexp"
	"strings"
)

// ImportantSection holds placeholder definitions. It is always serialized
// before every other named section so later entries can reference it.
const ImportantSection = "!important"

const headerRule = "##"

var entryLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)[ \t]+(.*)$`)

// Entry is one variable declaration: its name, the raw qualifier text
// (e.g. OVERRIDE="${HOME}/bin") and an optional trailing comment.
type Entry struct {
	Key     string
	Value   string
	Comment string
}

func (e Entry) String() string {
	line := padRight(e.Key, 30) + " " + e.Value
	if e.Comment != "" {
		line += " # " + e.Comment
	}
	return line
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// line is either an entry or text kept verbatim.
type line struct {
	entry *Entry
	raw   string
}

// Section is a named run of lines introduced by a three line header block.
// The unnamed section holds whatever precedes the first header.
type Section struct {
	Name  string
	lines []line
}

// Entries returns the section's declarations in file order.
func (s *Section) Entries() []Entry {
	var out []Entry
	for _, l := range s.lines {
		if l.entry != nil {
			out = append(out, *l.entry)
		}
	}
	return out
}

func (s *Section) find(key string) int {
	for i, l := range s.lines {
		if l.entry != nil && l.entry.Key == key {
			return i
		}
	}
	return -1
}

// upsert replaces the value of key, keeping its comment, or appends it after
// the last entry. It returns the previous value and whether key existed.
func (s *Section) upsert(key, value string) (string, bool) {
	if i := s.find(key); i >= 0 {
		before := s.lines[i].entry.Value
		s.lines[i].entry.Value = value
		return before, true
	}

	at := len(s.lines)
	for i := len(s.lines) - 1; i >= 0; i-- {
		if s.lines[i].entry != nil {
			at = i + 1
			break
		}
	}
	s.lines = append(s.lines, line{})
	copy(s.lines[at+1:], s.lines[at:])
	s.lines[at] = line{entry: &Entry{Key: key, Value: value}}
	return "", false
}

func (s *Section) remove(key string) (Entry, bool) {
	i := s.find(key)
	if i < 0 {
		return Entry{}, false
	}
	e := *s.lines[i].entry
	s.lines = append(s.lines[:i], s.lines[i+1:]...)
	return e, true
}

// Document is a parsed sectioned environment file.
type Document struct {
	sections []*Section
}

// Parse splits text into sections. Lines that are not headers or
// declarations are preserved as they are; blank lines at the end of a
// section are dropped since sections are serialized blank-line separated.
func Parse(text string) *Document {
	doc := &Document{}
	current := &Section{}
	doc.sections = append(doc.sections, current)

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}

	for i := 0; i < len(lines); i++ {
		if name, ok := header(lines, i); ok {
			current = doc.Section(name)
			i += 2
			continue
		}
		current.lines = append(current.lines, parseLine(lines[i]))
	}

	for _, s := range doc.sections {
		s.trim()
	}
	return doc
}

func header(lines []string, i int) (string, bool) {
	if i+2 >= len(lines) || lines[i] != headerRule || lines[i+2] != headerRule {
		return "", false
	}
	name := strings.TrimPrefix(lines[i+1], headerRule+" ")
	if name == lines[i+1] || strings.TrimSpace(name) == "" {
		return "", false
	}
	return strings.TrimSpace(name), true
}

func parseLine(raw string) line {
	m := entryLine.FindStringSubmatch(raw)
	if m == nil {
		return line{raw: raw}
	}
	value, comment := splitComment(m[2])
	if value == "" {
		return line{raw: raw}
	}
	return line{entry: &Entry{Key: m[1], Value: value, Comment: comment}}
}

// splitComment cuts s at the first # outside double quotes.
func splitComment(s string) (string, string) {
	quoted := false
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case '#':
			if !quoted {
				return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
			}
		}
	}
	return strings.TrimSpace(s), ""
}

func (s *Section) trim() {
	for len(s.lines) > 0 {
		last := s.lines[len(s.lines)-1]
		if last.entry != nil || strings.TrimSpace(last.raw) != "" {
			return
		}
		s.lines = s.lines[:len(s.lines)-1]
	}
}

// Section returns the named section, appending an empty one when absent.
func (d *Document) Section(name string) *Section {
	for _, s := range d.sections {
		if s.Name == name {
			return s
		}
	}
	s := &Section{Name: name}
	d.sections = append(d.sections, s)
	return s
}

// Lookup finds key in any section.
func (d *Document) Lookup(key string) (Entry, string, bool) {
	for _, s := range d.sections {
		if i := s.find(key); i >= 0 {
			return *s.lines[i].entry, s.Name, true
		}
	}
	return Entry{}, "", false
}

// Set declares key in section. A declaration of key in another section is
// moved, so every variable is declared exactly once.
func (d *Document) Set(section, key, value string) (before string, existed bool) {
	target := d.Section(section)
	for _, s := range d.sections {
		if s == target {
			continue
		}
		if e, ok := s.remove(key); ok {
			before, existed = e.Value, true
		}
	}
	if prev, ok := target.upsert(key, value); ok {
		before, existed = prev, true
	}
	return before, existed
}

// String serializes the document: the unnamed preamble, the important
// section, then the remaining sections in file order.
func (d *Document) String() string {
	var blocks []string

	ordered := make([]*Section, 0, len(d.sections))
	for _, s := range d.sections {
		if s.Name == "" {
			ordered = append(ordered, s)
		}
	}
	for _, s := range d.sections {
		if s.Name == ImportantSection {
			ordered = append(ordered, s)
		}
	}
	for _, s := range d.sections {
		if s.Name != "" && s.Name != ImportantSection {
			ordered = append(ordered, s)
		}
	}

	for _, s := range ordered {
		var b strings.Builder
		if s.Name != "" {
			b.WriteString(headerRule + "\n" + headerRule + " " + s.Name + "\n" + headerRule + "\n")
		} else if len(s.lines) == 0 {
			continue
		}
		for _, l := range s.lines {
			if l.entry != nil {
				b.WriteString(l.entry.String())
			} else {
				b.WriteString(l.raw)
			}
			b.WriteString("\n")
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}
