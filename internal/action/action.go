// Package action defines browser actions, their per-type field schemas and validation.
package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	harnesserr "github.com/lemon07r/webgauge/internal/errors"
)

// Action types understood by every environment.
const (
	Click         = "click"
	DblClick      = "dblclick"
	Hover         = "hover"
	Fill          = "fill"
	SelectOption  = "select_option"
	Scroll        = "scroll"
	KeyboardType  = "keyboard_type"
	KeyboardPress = "keyboard_press"
	Goto          = "goto"
	GoBack        = "go_back"
	GoForward     = "go_forward"
	TabFocus      = "tab_focus"
	NewTab        = "new_tab"
	TabClose      = "tab_close"
	SendMsgToUser = "send_msg_to_user"
	Clear         = "clear"
	Focus         = "focus"
	DragAndDrop   = "drag_and_drop"
	Noop          = "noop"
)

// ScrollDistance is the pixel distance of a directional scroll.
const ScrollDistance = 100

// Action is a single browser action submitted by a participant.
type Action struct {
	Type      string   `json:"type"                toml:"type"`
	TargetID  string   `json:"target_id,omitempty" toml:"target_id,omitempty"`
	Value     string   `json:"value,omitempty"     toml:"value,omitempty"`
	URL       string   `json:"url,omitempty"       toml:"url,omitempty"`
	Direction string   `json:"direction,omitempty" toml:"direction,omitempty"`
	DX        *int     `json:"dx,omitempty"        toml:"dx,omitempty"`
	DY        *int     `json:"dy,omitempty"        toml:"dy,omitempty"`
	Options   []string `json:"options,omitempty"   toml:"options,omitempty"`
	FromID    string   `json:"from_id,omitempty"   toml:"from_id,omitempty"`
	ToID      string   `json:"to_id,omitempty"     toml:"to_id,omitempty"`
	TabIndex  *int     `json:"tab_index,omitempty" toml:"tab_index,omitempty"`
	Button    string   `json:"button,omitempty"    toml:"button,omitempty"`
}

// wireAction accepts legacy field names alongside the canonical ones.
type wireAction struct {
	Type       string   `json:"type"`
	ActionName string   `json:"action"`
	ActionType string   `json:"action_type"`
	TargetID   string   `json:"target_id"`
	BID        string   `json:"bid"`
	Value      string   `json:"value"`
	Text       string   `json:"text"`
	Key        string   `json:"key"`
	KeyComb    string   `json:"key_comb"`
	URL        string   `json:"url"`
	Direction  string   `json:"direction"`
	DX         *int     `json:"dx"`
	DY         *int     `json:"dy"`
	Options    []string `json:"options"`
	FromID     string   `json:"from_id"`
	FromBID    string   `json:"from_bid"`
	ToID       string   `json:"to_id"`
	ToBID      string   `json:"to_bid"`
	TabIndex   *int     `json:"tab_index"`
	Button     string   `json:"button"`
}

// UnmarshalJSON decodes an action, folding legacy names (action, bid, text, key, from_bid) into canonical fields.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{
		Type:      firstNonEmpty(w.Type, w.ActionName, w.ActionType),
		TargetID:  firstNonEmpty(w.TargetID, w.BID),
		Value:     firstNonEmpty(w.Value, w.Text, w.KeyComb, w.Key),
		URL:       w.URL,
		Direction: w.Direction,
		DX:        w.DX,
		DY:        w.DY,
		Options:   w.Options,
		FromID:    firstNonEmpty(w.FromID, w.FromBID),
		ToID:      firstNonEmpty(w.ToID, w.ToBID),
		TabIndex:  w.TabIndex,
		Button:    w.Button,
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Field names used in schemas.
const (
	FieldTargetID  = "target_id"
	FieldValue     = "value"
	FieldURL       = "url"
	FieldDirection = "direction"
	FieldDX        = "dx"
	FieldDY        = "dy"
	FieldOptions   = "options"
	FieldFromID    = "from_id"
	FieldToID      = "to_id"
	FieldTabIndex  = "tab_index"
	FieldButton    = "button"
)

// Schema describes the fields an action type requires.
type Schema struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
	AnyOf       []string `json:"any_of,omitempty"` // at least one must be present
	Optional    []string `json:"optional,omitempty"`
	Example     string   `json:"example"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Schema{}
	aliases    = map[string]string{
		"press":    KeyboardPress,
		"keyboard": KeyboardType,
		"type":     KeyboardType,
	}
)

func init() {
	for _, s := range builtinSchemas {
		Register(s)
	}
}

var builtinSchemas = []Schema{
	{Type: Click, Description: "Click an element", Required: []string{FieldTargetID}, Optional: []string{FieldButton}, Example: `{"type":"click","target_id":"12"}`},
	{Type: DblClick, Description: "Double-click an element", Required: []string{FieldTargetID}, Optional: []string{FieldButton}, Example: `{"type":"dblclick","target_id":"12"}`},
	{Type: Hover, Description: "Move the mouse over an element", Required: []string{FieldTargetID}, Example: `{"type":"hover","target_id":"12"}`},
	{Type: Fill, Description: "Replace the text of an input", Required: []string{FieldTargetID, FieldValue}, Example: `{"type":"fill","target_id":"5","value":"hello"}`},
	{Type: SelectOption, Description: "Choose options of a select element", Required: []string{FieldTargetID}, AnyOf: []string{FieldValue, FieldOptions}, Example: `{"type":"select_option","target_id":"7","value":"Blue"}`},
	{Type: Scroll, Description: "Scroll the page by direction or pixel deltas", AnyOf: []string{FieldDirection, FieldDX, FieldDY}, Example: `{"type":"scroll","direction":"down"}`},
	{Type: KeyboardType, Description: "Type text into the focused element", Required: []string{FieldValue}, Example: `{"type":"keyboard_type","value":"hello"}`},
	{Type: KeyboardPress, Description: "Press a key combination", Required: []string{FieldValue}, Example: `{"type":"keyboard_press","value":"Enter"}`},
	{Type: Goto, Description: "Navigate to a URL", AnyOf: []string{FieldURL, FieldValue}, Example: `{"type":"goto","url":"http://localhost/"}`},
	{Type: GoBack, Description: "Navigate back", Example: `{"type":"go_back"}`},
	{Type: GoForward, Description: "Navigate forward", Example: `{"type":"go_forward"}`},
	{Type: TabFocus, Description: "Switch to a tab by index", Required: []string{FieldTabIndex}, Example: `{"type":"tab_focus","tab_index":1}`},
	{Type: NewTab, Description: "Open a new tab", Example: `{"type":"new_tab"}`},
	{Type: TabClose, Description: "Close the current tab", Example: `{"type":"tab_close"}`},
	{Type: SendMsgToUser, Description: "Send an answer to the user", Required: []string{FieldValue}, Example: `{"type":"send_msg_to_user","value":"42"}`},
	{Type: Clear, Description: "Clear an input", Required: []string{FieldTargetID}, Example: `{"type":"clear","target_id":"5"}`},
	{Type: Focus, Description: "Focus an element", Required: []string{FieldTargetID}, Example: `{"type":"focus","target_id":"5"}`},
	{Type: DragAndDrop, Description: "Drag one element onto another", Required: []string{FieldFromID, FieldToID}, Example: `{"type":"drag_and_drop","from_id":"3","to_id":"9"}`},
	{Type: Noop, Description: "Do nothing", Example: `{"type":"noop"}`},
}

// Register adds or replaces the schema for an action type.
func Register(s Schema) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Type] = s
}

// Lookup returns the schema for a (possibly aliased) action type.
func Lookup(actionType string) (Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[Canonical(actionType)]
	return s, ok
}

// Schemas returns every registered schema sorted by type.
func Schemas() []Schema {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Schema, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Aliases returns a copy of the alias table.
func Aliases() map[string]string {
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}

// Canonical lowercases an action type and resolves aliases.
func Canonical(actionType string) string {
	t := strings.ToLower(strings.TrimSpace(actionType))
	if target, ok := aliases[t]; ok {
		return target
	}
	return t
}

// Normalize returns a copy of a with its type canonicalized.
// A legacy "type" action aimed at an element becomes a fill.
func Normalize(a Action) Action {
	if strings.EqualFold(strings.TrimSpace(a.Type), "type") && a.TargetID != "" {
		a.Type = Fill
		return a
	}
	a.Type = Canonical(a.Type)
	if a.Type == Goto && a.URL == "" {
		a.URL = a.Value
	}
	return a
}

// has reports whether the named field carries a value.
func has(a Action, field string) bool {
	switch field {
	case FieldTargetID:
		return a.TargetID != ""
	case FieldValue:
		return a.Value != ""
	case FieldURL:
		return a.URL != ""
	case FieldDirection:
		return a.Direction != ""
	case FieldDX:
		return a.DX != nil
	case FieldDY:
		return a.DY != nil
	case FieldOptions:
		return len(a.Options) > 0
	case FieldFromID:
		return a.FromID != ""
	case FieldToID:
		return a.ToID != ""
	case FieldTabIndex:
		return a.TabIndex != nil
	case FieldButton:
		return a.Button != ""
	}
	return false
}

// Validate checks a against the schema for its type. index is the action's position in its batch.
func Validate(a Action, index int) error {
	if strings.TrimSpace(a.Type) == "" {
		return harnesserr.Validation(harnesserr.CodeInvalidAction, index, "missing action type")
	}
	a = Normalize(a)
	s, ok := Lookup(a.Type)
	if !ok {
		return harnesserr.Validation(harnesserr.CodeInvalidAction, index, "unknown action type %q", a.Type)
	}

	var missing []string
	for _, f := range s.Required {
		if !has(a, f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return harnesserr.Validation(harnesserr.CodeInvalidAction, index,
			"%s requires %s", s.Type, strings.Join(missing, ", "))
	}

	if len(s.AnyOf) > 0 {
		found := false
		for _, f := range s.AnyOf {
			if has(a, f) {
				found = true
				break
			}
		}
		if !found {
			return harnesserr.Validation(harnesserr.CodeInvalidAction, index,
				"%s requires one of %s", s.Type, strings.Join(s.AnyOf, ", "))
		}
	}

	if s.Type == Scroll && a.Direction != "" {
		switch strings.ToLower(a.Direction) {
		case "up", "down", "left", "right":
		default:
			return harnesserr.Validation(harnesserr.CodeInvalidAction, index,
				"scroll direction %q must be up, down, left or right", a.Direction)
		}
	}
	if a.TabIndex != nil && *a.TabIndex < 0 {
		return harnesserr.Validation(harnesserr.CodeInvalidAction, index, "tab_index must be >= 0")
	}

	return nil
}

// ScrollDelta returns the pixel deltas of a scroll action.
// Explicit dx/dy win over direction; direction maps to ScrollDistance pixels.
func (a Action) ScrollDelta() (int, int) {
	dx, dy := 0, 0
	if a.DX != nil {
		dx = *a.DX
	}
	if a.DY != nil {
		dy = *a.DY
	}
	if a.DX != nil || a.DY != nil {
		return dx, dy
	}
	switch strings.ToLower(a.Direction) {
	case "up":
		return 0, -ScrollDistance
	case "left":
		return -ScrollDistance, 0
	case "right":
		return ScrollDistance, 0
	default:
		return 0, ScrollDistance
	}
}

// String renders the action as a BrowserGym action call.
func (a Action) String() string {
	a = Normalize(a)
	switch a.Type {
	case Click, DblClick:
		if a.Button != "" {
			return fmt.Sprintf("%s(%s, button=%s)", a.Type, quote(a.TargetID), quote(a.Button))
		}
		return fmt.Sprintf("%s(%s)", a.Type, quote(a.TargetID))
	case Hover, Clear, Focus:
		return fmt.Sprintf("%s(%s)", a.Type, quote(a.TargetID))
	case Fill:
		return fmt.Sprintf("fill(%s, %s)", quote(a.TargetID), quote(a.Value))
	case SelectOption:
		if a.Value == "" && len(a.Options) > 0 {
			quoted := make([]string, len(a.Options))
			for i, o := range a.Options {
				quoted[i] = quote(o)
			}
			return fmt.Sprintf("select_option(%s, [%s])", quote(a.TargetID), strings.Join(quoted, ", "))
		}
		return fmt.Sprintf("select_option(%s, %s)", quote(a.TargetID), quote(a.Value))
	case Scroll:
		dx, dy := a.ScrollDelta()
		return fmt.Sprintf("scroll(%d, %d)", dx, dy)
	case KeyboardType, KeyboardPress, SendMsgToUser:
		return fmt.Sprintf("%s(%s)", a.Type, quote(a.Value))
	case Goto:
		return fmt.Sprintf("goto(%s)", quote(a.URL))
	case TabFocus:
		idx := 0
		if a.TabIndex != nil {
			idx = *a.TabIndex
		}
		return fmt.Sprintf("tab_focus(%d)", idx)
	case DragAndDrop:
		return fmt.Sprintf("drag_and_drop(%s, %s)", quote(a.FromID), quote(a.ToID))
	case "":
		return "noop()"
	default:
		return a.Type + "()"
	}
}

// quote renders s as a single-quoted Python string literal.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Describe renders a one-line-per-type help text.
func Describe() string {
	var b strings.Builder
	for _, s := range Schemas() {
		fields := append([]string(nil), s.Required...)
		if len(s.AnyOf) > 0 {
			fields = append(fields, strings.Join(s.AnyOf, "|"))
		}
		b.WriteString(s.Type)
		if len(fields) > 0 {
			b.WriteString(" [" + strings.Join(fields, ", ") + "]")
		}
		b.WriteString(": " + s.Description + "\n")
	}
	return b.String()
}
