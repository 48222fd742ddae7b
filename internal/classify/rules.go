package classify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pinchtab/autoaccept/internal/dom"
)

const (
	RuleDisabled   = "disabled"
	RuleCooldown   = "cooldown"
	RuleStructural = "structural"
	RuleRejectWord = "reject-keyword"
	RuleAcceptWord = "accept-keyword"
	RuleVisibility = "visibility"
	RuleSafety     = "safety"
)

// Input is the per-element state threaded through the rules. Earlier rules
// may fill fields later rules read.
type Input struct {
	Ctx   context.Context
	Snap  *dom.Snapshot
	Node  *dom.Node
	Label string
	Now   time.Time

	Category       string
	HighConfidence bool
	Command        string
	Pattern        string

	tokens     []string
	runControl bool
	c          *Classifier
}

type Rule struct {
	Name  string
	Check func(in *Input) (reason string, reject bool)
}

func DefaultRules() []Rule {
	return []Rule{
		{RuleDisabled, checkDisabled},
		{RuleCooldown, checkCooldown},
		{RuleStructural, checkStructural},
		{RuleRejectWord, checkRejectKeyword},
		{RuleAcceptWord, checkAcceptKeyword},
		{RuleVisibility, checkVisibility},
		{RuleSafety, checkSafety},
	}
}

func checkDisabled(in *Input) (string, bool) {
	if _, ok := in.Node.Attr("disabled"); ok {
		return "disabled", true
	}
	if v, _ := in.Node.Attr("aria-disabled"); strings.EqualFold(v, "true") {
		return "aria-disabled", true
	}
	return "", false
}

func checkCooldown(in *Input) (string, bool) {
	if in.c.Cooldown != nil && in.c.Cooldown.Cooling(in.Node.ID, in.Label, in.Now) {
		return "activated recently with the same label", true
	}
	return "", false
}

var chromeRoles = map[string]bool{
	"navigation": true, "toolbar": true, "menu": true, "menubar": true, "menuitem": true,
	"list": true, "listbox": true, "tablist": true, "tab": true, "tree": true,
}

var chromeClasses = []string{
	"monaco-toolbar", "monaco-menu-container", "monaco-list", "monaco-pane-view-header", "activitybar",
}

func checkStructural(in *Input) (string, bool) {
	n := utf8.RuneCountInString(in.Label)
	if n == 0 {
		return "empty label", true
	}
	if n > in.c.MaxLabel {
		return fmt.Sprintf("label too long (%d)", n), true
	}
	if _, ok := in.Node.Attr("aria-haspopup"); ok {
		return "popup semantics", true
	}
	if _, ok := in.Node.Attr("aria-expanded"); ok {
		return "expandable", true
	}
	if role, _ := in.Node.Attr("role"); chromeRoles[role] {
		return "chrome role " + role, true
	}
	for _, a := range in.Snap.Ancestors(in.Node, 0) {
		if a.Name == "nav" || a.Name == "menu" {
			return "inside " + a.Name, true
		}
		if role, _ := a.Attr("role"); chromeRoles[role] {
			return "inside role " + role, true
		}
		for _, cls := range chromeClasses {
			if a.HasClass(cls) {
				return "inside ." + cls, true
			}
		}
	}
	return "", false
}

func checkRejectKeyword(in *Input) (string, bool) {
	if kw, ok := matchKeyword(in.tokens, RejectKeywords); ok {
		return "reject keyword " + kw, true
	}
	return "", false
}

func checkAcceptKeyword(in *Input) (string, bool) {
	if runShortcut.MatchString(in.Label) {
		in.Category = "run"
		in.HighConfidence = true
		return "", false
	}
	kw, ok := matchKeyword(in.tokens, AcceptKeywords)
	if !ok {
		return "no accept keyword", true
	}
	in.Category = category(kw)
	// the verb leads the label: "Run", "Accept all", "Run command"
	in.HighConfidence = (in.Category == "run" || in.Category == "accept") && len(in.tokens) > 0 && in.tokens[0] == kw
	return "", false
}

func checkVisibility(in *Input) (string, bool) {
	for _, a := range append([]*dom.Node{in.Node}, in.Snap.Ancestors(in.Node, 0)...) {
		if _, ok := a.Attr("hidden"); ok {
			return "hidden attribute", true
		}
		if v, _ := a.Attr("aria-hidden"); v == "true" {
			return "aria-hidden", true
		}
		if a.HasClass("hidden") {
			return "hidden class", true
		}
	}
	if in.c.Metrics == nil {
		return "", false
	}
	m, err := in.c.Metrics.Metrics(in.Ctx, in.Node.ID)
	if err != nil {
		return "metrics unavailable: " + err.Error(), true
	}
	if m.Display == "none" || m.Visibility == "hidden" || m.HiddenUp {
		return "not rendered", true
	}
	if in.HighConfidence {
		// entry animations start at zero size and opacity
		if m.Opacity <= 0 && m.Width >= 2 {
			return "transparent", true
		}
		return "", false
	}
	if m.Opacity < 0.1 {
		return fmt.Sprintf("opacity %.2f", m.Opacity), true
	}
	if m.Width < 2 || m.Height < 2 {
		return fmt.Sprintf("size %.0fx%.0f", m.Width, m.Height), true
	}
	if !m.InViewport {
		return "outside viewport", true
	}
	return "", false
}

// checkSafety gates every label that asks to run something, even when
// another verb in the label set the category.
func checkSafety(in *Input) (string, bool) {
	if !in.runControl {
		return "", false
	}
	parts, strategy := ExtractCommand(in.Ctx, in.Snap, in.Node, in.c.Values)
	full := strings.Join(parts, "\n")
	in.Command = clip(full)
	if p, hit := in.c.Banned().Match(append([]string{full}, parts...)...); hit {
		in.Pattern = p.Raw
		return fmt.Sprintf("banned pattern %q via %s", p.Raw, strategy), true
	}
	return "", false
}
