package observation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMarker ends every summary that was cut to fit its budget.
const TruncationMarker = "\n[truncated]"

// Field ceilings. The tree summary is bounded by the compressor's budget.
const (
	MinChars           = 64
	MaxGoalChars       = 1000
	MaxURLChars        = 512
	MaxLastActionChars = 300
	MaxErrorChars      = 500
)

// Compressor renders raw observations within a fixed character budget.
type Compressor struct {
	profile  Profile
	mode     Mode
	maxChars int
}

// NewCompressor creates a compressor for a profile.
// An empty mode takes the profile default; maxChars <= 0 takes TokenLimit*4.
func NewCompressor(profile Profile, mode Mode, maxChars int) *Compressor {
	if mode == "" {
		mode = profile.Mode
	}
	if mode == "" {
		mode = ModeAXTree
	}
	if maxChars <= 0 {
		maxChars = profile.TokenLimit * 4
	}
	if maxChars < MinChars {
		maxChars = MinChars
	}
	return &Compressor{profile: profile, mode: mode, maxChars: maxChars}
}

// Mode returns the rendering mode.
func (c *Compressor) Mode() Mode { return c.mode }

// MaxChars returns the tree summary budget.
func (c *Compressor) MaxChars() int { return c.maxChars }

// Profile returns the benchmark profile.
func (c *Compressor) Profile() Profile { return c.profile }

// Compress produces the bounded observation for raw.
// Screenshots are referenced, never inlined, and only when requested or required by the mode.
func (c *Compressor) Compress(raw Raw, lastAction string, includeScreenshot bool) Compressed {
	var summary string
	switch c.mode {
	case ModeDOM:
		summary = collapseMarkup(raw.HTML)
	case ModeScreenshot:
		summary = ""
	default:
		summary = Flatten(raw.Tree, c.mode, c.profile.Strategy)
	}
	summary, truncated := Truncate(summary, c.maxChars)

	out := Compressed{
		TreeSummary:     summary,
		URL:             capField(raw.URL, MaxURLChars),
		Goal:            capField(raw.Goal, MaxGoalChars),
		LastAction:      capField(lastAction, MaxLastActionChars),
		LastActionError: capField(raw.LastActionError, MaxErrorChars),
		Truncated:       truncated,
		Mode:            c.mode,
	}

	if includeScreenshot || c.mode == ModeAXTreeWithScreenshot || c.mode == ModeScreenshot {
		ref := ScreenshotRef(raw.Screenshot)
		out.ScreenshotRef = &ref
	}

	out.EstimatedTokens = EstimateTokens(out.TreeSummary) + EstimateTokens(out.URL) + EstimateTokens(out.Goal) +
		EstimateTokens(out.LastAction) + EstimateTokens(out.LastActionError)
	if out.ScreenshotRef != nil {
		out.EstimatedTokens += EstimateTokens(*out.ScreenshotRef)
	}

	return out
}

// ScreenshotRef describes screenshot bytes without including them.
func ScreenshotRef(screenshot []byte) string {
	if len(screenshot) == 0 {
		return "[No screenshot available]"
	}
	return fmt.Sprintf("[Screenshot: binary data available] (%d bytes)", len(screenshot))
}

// EstimateTokens returns ceil(characters / 4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Truncate cuts s to at most max bytes, ending at a line boundary followed by TruncationMarker.
func Truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max - len(TruncationMarker)
	if cut <= 0 {
		return TruncationMarker[:min(max, len(TruncationMarker))], true
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	prefix := s[:cut]
	if i := strings.LastIndexByte(prefix, '\n'); i > 0 {
		prefix = prefix[:i]
	}
	return prefix + TruncationMarker, true
}

// capField shortens single-value fields, marking the cut with "...".
func capField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func collapseMarkup(markup string) string {
	lines := strings.Split(markup, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// Flatten renders a tree as one element per line, dropping decorative nodes.
func Flatten(root *Node, mode Mode, strategy Strategy) string {
	if root == nil {
		return ""
	}
	f := flattener{
		mode:     mode,
		strategy: strategy,
		exclude:  toSet(strategy.ExcludeElements),
		focus:    toSet(strategy.FocusElements),
	}
	if mode != ModeAXTreeCompact && root.Role == "RootWebArea" {
		f.line(root, 0)
		for _, c := range root.Children {
			f.walk(c, 1, 1)
		}
	} else {
		for _, c := range root.Children {
			f.walk(c, 1, 0)
		}
	}
	return strings.TrimSuffix(f.b.String(), "\n")
}

type flattener struct {
	mode     Mode
	strategy Strategy
	exclude  map[string]bool
	focus    map[string]bool
	b        strings.Builder
}

func (f *flattener) walk(n *Node, depth, indent int) {
	if f.exclude[n.Tag] {
		return
	}
	if n.Hidden && !f.strategy.IncludeHidden && f.mode != ModeAXTreeFull {
		return
	}

	next := indent
	if f.keep(n, depth) {
		f.line(n, indent)
		next = indent + 1
	}
	for _, c := range n.Children {
		f.walk(c, depth+1, next)
	}
}

func (f *flattener) keep(n *Node, depth int) bool {
	if interactiveRoles[n.Role] || f.focus[n.Tag] || f.focus[n.Role] {
		return n.Role != "generic" || n.Name != ""
	}
	if f.mode == ModeAXTreeCompact {
		return false
	}
	if f.strategy.MaxDepth > 0 && depth > f.strategy.MaxDepth {
		return false
	}
	return n.Name != "" || n.Role == "heading" || n.Role == "img"
}

func (f *flattener) line(n *Node, indent int) {
	if f.mode != ModeAXTreeCompact {
		f.b.WriteString(strings.Repeat("  ", indent))
	}
	if n.BID != "" {
		fmt.Fprintf(&f.b, "[%s] ", n.BID)
	}
	role := n.Role
	if role == "generic" || role == "paragraph" {
		role = "StaticText"
	}
	f.b.WriteString(role)
	fmt.Fprintf(&f.b, " '%s'", n.Name)

	isField := n.Role == "textbox" || n.Role == "searchbox" || n.Role == "combobox" || n.Role == "listbox"
	if n.Value != "" || (isField && f.strategy.FormFocus) {
		fmt.Fprintf(&f.b, ", value='%s'", n.Value)
	}
	if n.Checked {
		f.b.WriteString(", checked")
	}
	if n.Selected {
		f.b.WriteString(", selected")
	}
	if n.Disabled {
		f.b.WriteString(", disabled")
	}
	if n.Focused {
		f.b.WriteString(", focused")
	}
	if n.Hidden {
		f.b.WriteString(", hidden")
	}
	f.b.WriteByte('\n')
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
