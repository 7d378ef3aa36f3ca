// pattern.go: File name templates for active and archive files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultDateLayout renders a bare %d marker.
const DefaultDateLayout = "2006-01-02"

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segDate
	segIndex
	segVar
)

type segment struct {
	kind segmentKind
	text string // literal text, date layout or variable name

	def    string // ${name:-def}
	hasDef bool
	env    bool // ${env:NAME}
}

// Pattern is a parsed file name template.
//
// Supported markers:
//
//	%d            timestamp rendered with DefaultDateLayout
//	%d{LAYOUT}    timestamp rendered with a Go reference layout
//	%i            rollover index
//	${name}       variable, resolved once by Bind
//	${name:-def}  variable with a default
//	${env:NAME}   environment variable
//	%%            literal percent sign
//
// A Pattern is immutable; Bind returns a new one.
type Pattern struct {
	text string
	segs []segment
}

// FormatContext carries the runtime values substituted into a Pattern.
type FormatContext struct {
	Time  time.Time
	Index int
}

// ParsePattern parses a template. Unknown markers and unterminated braces are
// rejected with ErrMalformedPattern.
func ParsePattern(text string) (*Pattern, error) {
	if strings.TrimSpace(text) == "" {
		return nil, patternErrorf(text, "empty pattern")
	}

	p := &Pattern{text: text}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			p.segs = append(p.segs, segment{kind: segLiteral, text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '%':
			if i+1 >= len(text) {
				return nil, patternErrorf(text, "dangling %% at end")
			}
			i++
			switch text[i] {
			case '%':
				lit.WriteByte('%')
			case 'i':
				flush()
				p.segs = append(p.segs, segment{kind: segIndex})
			case 'd':
				layout := DefaultDateLayout
				if i+1 < len(text) && text[i+1] == '{' {
					end := strings.IndexByte(text[i+2:], '}')
					if end < 0 {
						return nil, patternErrorf(text, "unterminated date layout at offset %d", i)
					}
					layout = text[i+2 : i+2+end]
					i += end + 2
				}
				if err := checkLayout(text, layout); err != nil {
					return nil, err
				}
				flush()
				p.segs = append(p.segs, segment{kind: segDate, text: layout})
			default:
				return nil, patternErrorf(text, "unknown marker %%%c at offset %d", text[i], i-1)
			}
		case c == '$' && i+1 < len(text) && text[i+1] == '{':
			end := strings.IndexByte(text[i+2:], '}')
			if end < 0 {
				return nil, patternErrorf(text, "unterminated variable at offset %d", i)
			}
			seg, err := parseVariable(text, text[i+2:i+2+end])
			if err != nil {
				return nil, err
			}
			flush()
			p.segs = append(p.segs, seg)
			i += end + 2
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(text string) *Pattern {
	p, err := ParsePattern(text)
	if err != nil {
		panic(err)
	}
	return p
}

func parseVariable(pattern, body string) (segment, error) {
	seg := segment{kind: segVar}
	if name, def, ok := strings.Cut(body, ":-"); ok {
		body = name
		seg.def = def
		seg.hasDef = true
	}
	if rest, ok := strings.CutPrefix(body, "env:"); ok {
		seg.env = true
		body = rest
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return seg, patternErrorf(pattern, "empty variable name")
	}
	seg.text = body
	return seg, nil
}

// checkLayout rejects layouts that render the same text for any instant.
func checkLayout(pattern, layout string) error {
	if layout == "" {
		return patternErrorf(pattern, "empty date layout")
	}
	a := time.Date(2001, 2, 3, 4, 5, 6, 7000000, time.UTC).Format(layout)
	b := time.Date(2012, 11, 24, 21, 43, 52, 0, time.UTC).Format(layout)
	if a == b {
		return patternErrorf(pattern, "date layout %q has no time fields", layout)
	}
	return nil
}

// Bind resolves every variable marker. Variables come from vars first and
// then, for ${env:NAME}, from the process environment. An unbound variable
// without a default is an error.
func (p *Pattern) Bind(vars map[string]string) (*Pattern, error) {
	out := &Pattern{text: p.text, segs: make([]segment, 0, len(p.segs))}
	for _, s := range p.segs {
		if s.kind != segVar {
			out.segs = appendSegment(out.segs, s)
			continue
		}
		var (
			val string
			ok  bool
		)
		if s.env {
			val, ok = os.LookupEnv(s.text)
		} else {
			val, ok = vars[s.text]
		}
		if !ok {
			if !s.hasDef {
				return nil, patternErrorf(p.text, "variable %q is not defined", s.text)
			}
			val = s.def
		}
		out.segs = appendSegment(out.segs, segment{kind: segLiteral, text: val})
	}
	return out, nil
}

func appendSegment(segs []segment, s segment) []segment {
	if s.kind == segLiteral {
		if s.text == "" {
			return segs
		}
		if n := len(segs); n > 0 && segs[n-1].kind == segLiteral {
			segs[n-1].text += s.text
			return segs
		}
	}
	return append(segs, s)
}

// Format renders the pattern. It is pure: the same context always yields the
// same name. Unbound variables render as their default, or empty.
func (p *Pattern) Format(ctx FormatContext) string {
	var b strings.Builder
	for _, s := range p.segs {
		switch s.kind {
		case segLiteral:
			b.WriteString(s.text)
		case segDate:
			b.WriteString(ctx.Time.Format(s.text))
		case segIndex:
			b.WriteString(strconv.Itoa(ctx.Index))
		case segVar:
			b.WriteString(s.def)
		}
	}
	return b.String()
}

// String returns the original template text.
func (p *Pattern) String() string { return p.text }

// HasIndex reports whether the pattern contains %i.
func (p *Pattern) HasIndex() bool { return p.has(segIndex) }

// HasDate reports whether the pattern contains a date marker.
func (p *Pattern) HasDate() bool { return p.has(segDate) }

func (p *Pattern) has(kind segmentKind) bool {
	for _, s := range p.segs {
		if s.kind == kind {
			return true
		}
	}
	return false
}

// TrimSuffix returns a copy of the pattern without a literal suffix, or the
// pattern itself when it does not end with it.
func (p *Pattern) TrimSuffix(suffix string) *Pattern {
	n := len(p.segs)
	if suffix == "" || n == 0 || p.segs[n-1].kind != segLiteral || !strings.HasSuffix(p.segs[n-1].text, suffix) {
		return p
	}
	out := &Pattern{text: strings.TrimSuffix(p.text, suffix), segs: append([]segment(nil), p.segs...)}
	out.segs[n-1].text = strings.TrimSuffix(out.segs[n-1].text, suffix)
	if out.segs[n-1].text == "" {
		out.segs = out.segs[:n-1]
	}
	return out
}

// Matcher returns a regexp matching every slash-separated path the pattern
// can render, optionally followed by one of suffixes. The first %i is
// captured in the group named "index".
func (p *Pattern) Matcher(suffixes ...string) *regexp.Regexp {
	return p.matcher(false, suffixes)
}

// matcher optionally accepts the ".N" uniquifier appended to patterns
// without %i, capturing N as the index.
func (p *Pattern) matcher(uniq bool, suffixes []string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	captured := false
	for _, s := range p.segs {
		switch s.kind {
		case segLiteral:
			b.WriteString(regexp.QuoteMeta(filepath.ToSlash(s.text)))
		case segDate:
			b.WriteString(".+?")
		case segIndex:
			if captured {
				b.WriteString("[0-9]+")
			} else {
				b.WriteString("(?P<index>[0-9]+)")
				captured = true
			}
		case segVar:
			b.WriteString(regexp.QuoteMeta(s.def))
		}
	}
	if uniq && !captured {
		b.WriteString(`(?:\.(?P<index>[0-9]+))?`)
	}
	if len(suffixes) > 0 {
		quoted := make([]string, 0, len(suffixes))
		for _, s := range suffixes {
			quoted = append(quoted, regexp.QuoteMeta(s))
		}
		b.WriteString("(?:" + strings.Join(quoted, "|") + ")?")
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// dirPrefix is the literal directory part shared by every rendered name,
// including its trailing separator, or "" for the working directory.
func (p *Pattern) dirPrefix() string {
	if len(p.segs) == 0 || p.segs[0].kind != segLiteral {
		return ""
	}
	prefix := p.segs[0].text
	i := strings.LastIndexAny(prefix, "/"+string(filepath.Separator))
	if i < 0 {
		return ""
	}
	return prefix[:i+1]
}
