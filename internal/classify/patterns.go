package classify

import (
	"regexp"
	"strings"
)

// Pattern is one banned-command pattern: a literal substring, or
// "/body/flags" compiled as a regular expression. Matching is always
// case-insensitive.
type Pattern struct {
	Raw     string
	literal string
	re      *regexp.Regexp
}

func ParsePattern(raw string) Pattern {
	p := Pattern{Raw: raw}
	body, flags, isRegex := splitRegex(raw)
	if !isRegex {
		p.literal = strings.ToLower(raw)
		return p
	}
	prefix := "(?i"
	for _, f := range flags {
		switch f {
		case 'm', 's':
			prefix += string(f)
		}
	}
	re, err := regexp.Compile(prefix + ")" + body)
	if err != nil {
		p.literal = strings.ToLower(body)
		return p
	}
	p.re = re
	return p
}

func splitRegex(raw string) (body, flags string, ok bool) {
	if len(raw) < 3 || raw[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndexByte(raw, '/')
	if end <= 1 {
		return "", "", false
	}
	flags = raw[end+1:]
	for _, f := range flags {
		if !strings.ContainsRune("gimsuyd", f) {
			return "", "", false
		}
	}
	return raw[1:end], flags, true
}

// IsRegex reports whether the pattern compiled as a regular expression.
func (p Pattern) IsRegex() bool { return p.re != nil }

func (p Pattern) Match(text string) bool {
	if p.re != nil {
		return p.re.MatchString(text)
	}
	if p.literal == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), p.literal)
}

type Patterns []Pattern

func ParsePatterns(raw []string) Patterns {
	out := make(Patterns, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		out = append(out, ParsePattern(r))
	}
	return out
}

// Match returns the first pattern matching any of texts.
func (ps Patterns) Match(texts ...string) (Pattern, bool) {
	for _, p := range ps {
		for _, t := range texts {
			if t != "" && p.Match(t) {
				return p, true
			}
		}
	}
	return Pattern{}, false
}
