// Package observation turns raw page state into bounded, token-priced observations.
package observation

import (
	"fmt"
	"strings"
)

// Mode selects how an observation is rendered.
type Mode string

const (
	ModeAXTree               Mode = "axtree"
	ModeAXTreeCompact        Mode = "axtree_compact"
	ModeAXTreeFull           Mode = "axtree_full"
	ModeAXTreeWithScreenshot Mode = "axtree_with_screenshot"
	ModeDOM                  Mode = "dom"
	ModeScreenshot           Mode = "screenshot"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeAXTree, ModeAXTreeCompact, ModeAXTreeFull, ModeAXTreeWithScreenshot, ModeDOM, ModeScreenshot}

// ParseMode converts a string to a Mode. An empty string yields "".
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown observation mode %q", s)
}

// Node is one element of the accessibility-like structure tree.
type Node struct {
	BID      string  `json:"bid,omitempty"`
	Role     string  `json:"role"`
	Name     string  `json:"name,omitempty"`
	Value    string  `json:"value,omitempty"`
	Tag      string  `json:"tag,omitempty"`
	Checked  bool    `json:"checked,omitempty"`
	Disabled bool    `json:"disabled,omitempty"`
	Focused  bool    `json:"focused,omitempty"`
	Selected bool    `json:"selected,omitempty"`
	Hidden   bool    `json:"hidden,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Raw is an uncompressed observation as produced by an environment's reset or step.
type Raw struct {
	Tree            *Node  `json:"tree,omitempty"`
	URL             string `json:"url"`
	Goal            string `json:"goal"`
	HTML            string `json:"html,omitempty"`
	Screenshot      []byte `json:"screenshot,omitempty"`
	LastActionError string `json:"last_action_error,omitempty"`
	FocusedBID      string `json:"focused_bid,omitempty"`
}

// Compressed is the bounded payload returned to participants.
type Compressed struct {
	TreeSummary     string  `json:"tree_summary"`
	URL             string  `json:"url"`
	Goal            string  `json:"goal"`
	LastAction      string  `json:"last_action"`
	LastActionError string  `json:"last_action_error,omitempty"`
	ScreenshotRef   *string `json:"screenshot_ref,omitempty"`
	EstimatedTokens int     `json:"estimated_tokens"`
	Truncated       bool    `json:"truncated"`
	Mode            Mode    `json:"mode"`
}

// Strategy controls which nodes the flattener keeps for a benchmark.
type Strategy struct {
	FocusElements   []string `json:"focus_elements"`
	ExcludeElements []string `json:"exclude_elements"`
	MaxDepth        int      `json:"max_depth"` // 0 means unlimited
	IncludeHidden   bool     `json:"include_hidden"`
	FormFocus       bool     `json:"form_focus"`
}

// Profile holds the observation defaults of one benchmark.
type Profile struct {
	Benchmark   string   `json:"benchmark"`
	DisplayName string   `json:"display_name"`
	TokenLimit  int      `json:"token_limit"`
	Mode        Mode     `json:"mode"`
	Strategy    Strategy `json:"strategy"`
	EnvVars     []string `json:"env_vars,omitempty"`
}

var profiles = map[string]Profile{
	"miniwob": {
		Benchmark:   "miniwob",
		DisplayName: "MiniWoB++",
		TokenLimit:  2000,
		Mode:        ModeAXTreeCompact,
		Strategy: Strategy{
			FocusElements:   []string{"button", "input", "select", "checkbox", "radio"},
			ExcludeElements: []string{"script", "style", "meta", "link"},
			MaxDepth:        5,
			FormFocus:       true,
		},
		EnvVars: []string{"MINIWOB_URL"},
	},
	"webarena": {
		Benchmark:   "webarena",
		DisplayName: "WebArena",
		TokenLimit:  5000,
		Mode:        ModeAXTreeFull,
		Strategy: Strategy{
			FocusElements:   []string{"button", "input", "select", "a", "textarea", "form"},
			ExcludeElements: []string{"script", "style", "meta", "svg"},
			FormFocus:       true,
		},
		EnvVars: []string{"WA_SHOPPING", "WA_SHOPPING_ADMIN", "WA_REDDIT", "WA_GITLAB", "WA_WIKIPEDIA", "WA_MAP", "WA_HOMEPAGE"},
	},
	"visualwebarena": {
		Benchmark:   "visualwebarena",
		DisplayName: "VisualWebArena",
		TokenLimit:  3500,
		Mode:        ModeAXTreeWithScreenshot,
		Strategy: Strategy{
			FocusElements:   []string{"button", "input", "select", "a", "img", "canvas"},
			ExcludeElements: []string{"script", "style", "meta"},
			MaxDepth:        8,
		},
		EnvVars: []string{"VWA_CLASSIFIEDS", "VWA_SHOPPING", "VWA_REDDIT", "VWA_WIKIPEDIA", "VWA_HOMEPAGE"},
	},
	"workarena": {
		Benchmark:   "workarena",
		DisplayName: "WorkArena",
		TokenLimit:  4500,
		Mode:        ModeAXTree,
		Strategy: Strategy{
			FocusElements:   []string{"button", "input", "select", "textarea", "form", "table"},
			ExcludeElements: []string{"script", "style", "meta", "svg"},
			MaxDepth:        10,
			FormFocus:       true,
		},
		EnvVars: []string{"SNOW_INSTANCE_URL", "SNOW_INSTANCE_UNAME", "SNOW_INSTANCE_PWD"},
	},
	"assistantbench": {
		Benchmark:   "assistantbench",
		DisplayName: "AssistantBench",
		TokenLimit:  3000,
		Mode:        ModeAXTree,
		Strategy: Strategy{
			FocusElements:   []string{"button", "input", "a", "p", "span", "div"},
			ExcludeElements: []string{"script", "style", "meta", "link"},
			MaxDepth:        6,
		},
	},
	"weblinx": {
		Benchmark:   "weblinx",
		DisplayName: "WebLINX",
		TokenLimit:  4000,
		Mode:        ModeAXTree,
		Strategy: Strategy{
			FocusElements:   []string{"button", "input", "select", "a", "textarea"},
			ExcludeElements: []string{"script", "style", "meta", "link", "svg"},
			MaxDepth:        8,
			FormFocus:       true,
		},
	},
}

// ProfileFor returns the profile of a benchmark.
// Unknown benchmarks get the WebArena strategy with plain axtree rendering.
func ProfileFor(benchmark string) Profile {
	if p, ok := profiles[benchmark]; ok {
		return p
	}
	p := profiles["webarena"]
	p.Benchmark = benchmark
	p.DisplayName = benchmark
	p.Mode = ModeAXTree
	return p
}

// Profiles returns every built-in profile keyed by benchmark.
func Profiles() map[string]Profile {
	out := make(map[string]Profile, len(profiles))
	for k, v := range profiles {
		out[k] = v
	}
	return out
}
