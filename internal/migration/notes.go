package migration

import (
	"regexp"
	"strings"
)

// Entry is one note parsed from a free-text source.
type Entry struct {
	Text string
	Tags []string
}

var (
	headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)
	bulletRegex  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)
	hashtagRegex = regexp.MustCompile(`(?:^|\s)#([A-Za-z][\w-]*)`)
)

// ParseNotes splits a markdown notes file into entries. Every list item and
// every paragraph is one entry. Enclosing headings become tags, as do inline
// #hashtags. Fenced code stays inside the entry it appears in.
func ParseNotes(text string) []Entry {
	p := &noteParser{}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		p.line(line)
	}
	p.flush()
	return p.entries
}

type noteParser struct {
	headings []string // headings[i] is the active level-(i+1) heading
	current  []string
	inFence  bool
	entries  []Entry
}

func (p *noteParser) line(line string) {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "```") {
		p.inFence = !p.inFence
		p.current = append(p.current, line)
		return
	}
	if p.inFence {
		p.current = append(p.current, line)
		return
	}

	if m := headingRegex.FindStringSubmatch(trimmed); m != nil {
		p.flush()
		level := len(m[1])
		for len(p.headings) < level {
			p.headings = append(p.headings, "")
		}
		p.headings = p.headings[:level]
		p.headings[level-1] = m[2]
		return
	}

	if trimmed == "" {
		p.flush()
		return
	}

	if m := bulletRegex.FindStringSubmatch(line); m != nil && !isIndented(line, p.current) {
		p.flush()
		p.current = append(p.current, m[1])
		return
	}

	p.current = append(p.current, trimmed)
}

// isIndented reports whether a bullet line is nested under an open entry
// rather than starting a new one.
func isIndented(line string, current []string) bool {
	return len(current) > 0 && (strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t"))
}

func (p *noteParser) flush() {
	if len(p.current) == 0 {
		return
	}
	text := strings.TrimSpace(strings.Join(p.current, "\n"))
	p.current = p.current[:0]
	// an unterminated fence ends with the file
	p.inFence = false
	if text == "" {
		return
	}

	var tags []string
	seen := make(map[string]bool)
	add := func(tag string) {
		tag = normalizeTag(tag)
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	for _, h := range p.headings {
		add(h)
	}
	for _, m := range hashtagRegex.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	p.entries = append(p.entries, Entry{Text: text, Tags: tags})
}

func normalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}
