package classify

import (
	"regexp"
	"strings"
	"unicode"
)

var AcceptKeywords = []string{
	"accept", "run", "apply", "approve", "confirm", "allow", "proceed", "ok", "yes", "execute", "retry",
}

var RejectKeywords = []string{
	"deny", "skip", "cancel", "close", "reject", "settings", "ignore", "configure", "ask every time",
	"refine", "new", "chat", "conversation", "show", "open", "history", "clear", "delete",
}

// runShortcut catches labels whose shortcut hint was rendered flush against
// the verb, e.g. "RunAlt+Enter" or "Run⌥⏎".
var runShortcut = regexp.MustCompile(`(?i)^\s*run\s*[(\[]?\s*(alt|ctrl|control|cmd|command|shift|option|meta|enter|return|⌘|⌥|⌃|⇧|⏎|↵)`)

var categories = map[string]string{
	"execute": "run",
	"run":     "run",
	"yes":     "accept",
	"ok":      "accept",
	"approve": "accept",
	"confirm": "accept",
	"allow":   "accept",
	"proceed": "accept",
}

func category(keyword string) string {
	if c, ok := categories[keyword]; ok {
		return c
	}
	return keyword
}

// isRunControl reports whether the label asks to run something, whatever
// other verbs share it ("Accept and run", "Approve and execute").
func isRunControl(label string, tokens []string) bool {
	if runShortcut.MatchString(label) {
		return true
	}
	for _, t := range tokens {
		if category(t) == "run" {
			return true
		}
	}
	return false
}

func tokenize(label string) []string {
	return strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matchKeyword returns the first keyword found in tokens on word
// boundaries. Multi-word keywords match as a consecutive run.
func matchKeyword(tokens []string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		parts := strings.Fields(kw)
		for i := 0; i+len(parts) <= len(tokens); i++ {
			ok := true
			for j, p := range parts {
				if tokens[i+j] != p {
					ok = false
					break
				}
			}
			if ok {
				return kw, true
			}
		}
	}
	return "", false
}
