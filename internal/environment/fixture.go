package environment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/lemon07r/webgauge/internal/action"
	harnesserr "github.com/lemon07r/webgauge/internal/errors"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/task"
)

// Fixture simulates a task's HTML page in process. It supports the full action
// vocabulary against the page and scores the task's success rule.
type Fixture struct {
	mu sync.Mutex

	task     *task.Task
	page     []byte
	maxSteps int

	doc       *goquery.Document
	url       string
	back      []string
	forward   []string
	focused   string
	tabs      int
	activeTab int
	scrollX   int
	scrollY   int
	messages  []string
	steps     int
	done      bool
	closed    bool
}

// NewFixture creates a fixture environment. maxSteps <= 0 disables truncation.
func NewFixture(t *task.Task, page []byte, maxSteps int) (*Fixture, error) {
	if _, err := observation.ParseDocument(page); err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err,
			"loading fixture page for %s", t.ID())
	}
	return &Fixture{task: t, page: page, maxSteps: maxSteps}, nil
}

// Reset reloads the page and returns the initial observation.
func (f *Fixture) Reset(ctx context.Context) (observation.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return observation.Raw{}, harnesserr.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return observation.Raw{}, err
	}

	doc, err := observation.ParseDocument(f.page)
	if err != nil {
		return observation.Raw{}, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, "resetting fixture")
	}
	f.doc = doc
	f.url = fmt.Sprintf("http://fixture.local/%s/%s", f.task.Benchmark, f.task.Name)
	f.back, f.forward = nil, nil
	f.focused = ""
	f.tabs, f.activeTab = 1, 0
	f.scrollX, f.scrollY = 0, 0
	f.messages = nil
	f.steps = 0
	f.done = false

	return f.observe(""), nil
}

// Step applies one action.
// Action-level failures (unknown bid, wrong element type) are reported in the
// observation's LastActionError, not as a Go error.
func (f *Fixture) Step(ctx context.Context, a action.Action) (StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return StepResult{}, harnesserr.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if f.doc == nil {
		return StepResult{}, harnesserr.New(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure,
			"fixture stepped before reset")
	}
	if f.done {
		return StepResult{
			Observation: f.observe("Episode already ended"),
			Terminated:  true,
		}, nil
	}

	a = action.Normalize(a)
	res := StepResult{Info: map[string]any{"action": a.String()}}
	lastErr := f.apply(a, &res)

	f.steps++
	res.Info["step"] = f.steps
	if !res.Terminated && f.maxSteps > 0 && f.steps >= f.maxSteps {
		res.Truncated = true
	}
	f.done = res.Terminated || res.Truncated
	res.Observation = f.observe(lastErr)

	return res, nil
}

// Close marks the fixture closed. It is idempotent.
func (f *Fixture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.doc = nil
	return nil
}

func (f *Fixture) observe(lastErr string) observation.Raw {
	return observation.Raw{
		Tree:            observation.FromDocument(f.doc, f.focused),
		URL:             f.url,
		Goal:            f.task.Goal,
		HTML:            observation.RenderHTML(f.doc),
		LastActionError: lastErr,
		FocusedBID:      f.focused,
	}
}

// apply mutates the page for a and returns an action error message, if any.
func (f *Fixture) apply(a action.Action, res *StepResult) string {
	switch a.Type {
	case action.Click, action.DblClick:
		el, msg := f.target(a.TargetID, true)
		if msg != "" {
			return msg
		}
		f.focused = a.TargetID
		f.click(el, res)
	case action.Hover:
		_, msg := f.target(a.TargetID, false)
		return msg
	case action.Focus:
		_, msg := f.target(a.TargetID, false)
		if msg == "" {
			f.focused = a.TargetID
		}
		return msg
	case action.Fill, action.Clear:
		el, msg := f.target(a.TargetID, true)
		if msg != "" {
			return msg
		}
		if !isTextField(el) {
			return fmt.Sprintf("Element %s is not an <input>, <textarea> or [contenteditable]", a.TargetID)
		}
		value := a.Value
		if a.Type == action.Clear {
			value = ""
		}
		el.SetAttr("value", value)
		f.focused = a.TargetID
	case action.SelectOption:
		el, msg := f.target(a.TargetID, true)
		if msg != "" {
			return msg
		}
		return f.selectOptions(el, a)
	case action.KeyboardType:
		el, msg := f.focusedField()
		if msg != "" {
			return msg
		}
		el.SetAttr("value", el.AttrOr("value", "")+a.Value)
	case action.KeyboardPress:
		if strings.EqualFold(lastKey(a.Value), "Enter") && f.focused != "" {
			el := f.find(f.focused)
			if el.Length() > 0 && isTextField(el) {
				if submit := formSubmit(el); submit.Length() > 0 {
					f.click(submit, res)
				}
			}
		}
	case action.Scroll:
		dx, dy := a.ScrollDelta()
		f.scrollX = max(0, f.scrollX+dx)
		f.scrollY = max(0, f.scrollY+dy)
	case action.Goto:
		f.navigate(a.URL)
	case action.GoBack:
		if len(f.back) == 0 {
			return "No previous page in history"
		}
		f.forward = append(f.forward, f.url)
		f.url = f.back[len(f.back)-1]
		f.back = f.back[:len(f.back)-1]
	case action.GoForward:
		if len(f.forward) == 0 {
			return "No next page in history"
		}
		f.back = append(f.back, f.url)
		f.url = f.forward[len(f.forward)-1]
		f.forward = f.forward[:len(f.forward)-1]
	case action.NewTab:
		f.tabs++
		f.activeTab = f.tabs - 1
	case action.TabClose:
		if f.tabs > 1 {
			f.tabs--
		}
		f.activeTab = min(f.activeTab, f.tabs-1)
	case action.TabFocus:
		if a.TabIndex == nil || *a.TabIndex >= f.tabs {
			return fmt.Sprintf("Tab index out of range (%d open)", f.tabs)
		}
		f.activeTab = *a.TabIndex
	case action.SendMsgToUser:
		f.messages = append(f.messages, a.Value)
		if f.task.Success.Answer != "" {
			res.Terminated = true
			if normalizeAnswer(a.Value) == normalizeAnswer(f.task.Success.Answer) {
				res.Reward = 1
			} else {
				res.Reward = -1
			}
		}
	case action.DragAndDrop:
		if _, msg := f.target(a.FromID, true); msg != "" {
			return msg
		}
		if _, msg := f.target(a.ToID, false); msg != "" {
			return msg
		}
	case action.Noop:
	default:
		return fmt.Sprintf("Invalid action type %s", a.Type)
	}
	return ""
}

func (f *Fixture) find(bid string) *goquery.Selection {
	return f.doc.Find(`[` + observation.BIDAttr + `="` + bid + `"]`).First()
}

// target resolves a bid, checking visibility and, when enabled is set, that the element is enabled.
func (f *Fixture) target(bid string, enabled bool) (*goquery.Selection, string) {
	el := f.find(bid)
	if el.Length() == 0 {
		return nil, fmt.Sprintf("Could not find element with bid %q", bid)
	}
	if hiddenSelection(el) {
		return nil, fmt.Sprintf("Element %s is not visible", bid)
	}
	if enabled {
		if _, disabled := el.Attr("disabled"); disabled {
			return nil, fmt.Sprintf("Element %s is not enabled", bid)
		}
	}
	return el, ""
}

func (f *Fixture) focusedField() (*goquery.Selection, string) {
	if f.focused == "" {
		return nil, "No element is focused"
	}
	el := f.find(f.focused)
	if el.Length() == 0 || !isTextField(el) {
		return nil, fmt.Sprintf("Focused element %s does not accept text", f.focused)
	}
	return el, ""
}

func (f *Fixture) click(el *goquery.Selection, res *StepResult) {
	switch {
	case goquery.NodeName(el) == "input" && strings.EqualFold(el.AttrOr("type", ""), "checkbox"):
		if _, checked := el.Attr("checked"); checked {
			el.RemoveAttr("checked")
		} else {
			el.SetAttr("checked", "")
		}
	case goquery.NodeName(el) == "input" && strings.EqualFold(el.AttrOr("type", ""), "radio"):
		if name := el.AttrOr("name", ""); name != "" {
			f.doc.Find(`input[type="radio"][name="` + name + `"]`).RemoveAttr("checked")
		}
		el.SetAttr("checked", "")
	case goquery.NodeName(el) == "option":
		sel := el.ParentsFiltered("select").First()
		if _, multiple := sel.Attr("multiple"); !multiple {
			sel.Find("option").RemoveAttr("selected")
		}
		el.SetAttr("selected", "")
	case goquery.NodeName(el) == "a":
		if href, ok := el.Attr("href"); ok && !strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "javascript:") {
			f.navigate(href)
		}
	}

	if f.task.Success.Click == "" {
		return
	}
	if !f.doc.Find(f.task.Success.Click).IsSelection(el) {
		return
	}
	res.Terminated = true
	if f.fieldsSatisfied() {
		res.Reward = 1
	} else {
		res.Reward = -1
	}
}

// fieldsSatisfied checks every required field against its current value, case-insensitively.
func (f *Fixture) fieldsSatisfied() bool {
	for selector, want := range f.task.Success.Fields {
		el := f.doc.Find(selector).First()
		if el.Length() == 0 {
			return false
		}
		if !strings.EqualFold(strings.TrimSpace(currentValue(el)), strings.TrimSpace(want)) {
			return false
		}
	}
	return true
}

func (f *Fixture) selectOptions(el *goquery.Selection, a action.Action) string {
	if goquery.NodeName(el) != "select" {
		return fmt.Sprintf("Element %s is not a <select> element", a.TargetID)
	}
	wanted := a.Options
	if a.Value != "" {
		wanted = []string{a.Value}
	}
	_, multiple := el.Attr("multiple")
	if !multiple && len(wanted) > 1 {
		return fmt.Sprintf("Element %s does not accept multiple options", a.TargetID)
	}

	var matched []*goquery.Selection
	for _, w := range wanted {
		opt := el.Find("option").FilterFunction(func(_ int, o *goquery.Selection) bool {
			return o.AttrOr("value", "") == w || strings.TrimSpace(o.Text()) == w
		}).First()
		if opt.Length() == 0 {
			return fmt.Sprintf("Option %q not found in element %s", w, a.TargetID)
		}
		matched = append(matched, opt)
	}

	el.Find("option").RemoveAttr("selected")
	for _, opt := range matched {
		opt.SetAttr("selected", "")
	}
	f.focused = a.TargetID
	return ""
}

func (f *Fixture) navigate(target string) {
	if target == "" {
		return
	}
	base, err := url.Parse(f.url)
	if err == nil {
		if ref, err := url.Parse(target); err == nil {
			target = base.ResolveReference(ref).String()
		}
	}
	f.back = append(f.back, f.url)
	f.forward = nil
	f.url = target
}

// Messages returns the answers sent to the user so far.
func (f *Fixture) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func isTextField(el *goquery.Selection) bool {
	switch goquery.NodeName(el) {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(el.AttrOr("type", "text")) {
		case "button", "submit", "reset", "image", "checkbox", "radio", "hidden", "file":
			return false
		}
		return true
	}
	_, editable := el.Attr("contenteditable")
	return editable
}

func hiddenSelection(el *goquery.Selection) bool {
	for s := el; s.Length() > 0 && goquery.NodeName(s) != "body"; s = s.Parent() {
		if _, ok := s.Attr("hidden"); ok {
			return true
		}
		style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
		if goquery.NodeName(s) == "input" && strings.EqualFold(s.AttrOr("type", ""), "hidden") {
			return true
		}
	}
	return false
}

// currentValue reads the value a success rule compares against.
func currentValue(el *goquery.Selection) string {
	switch goquery.NodeName(el) {
	case "select":
		opt := el.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = el.Find("option").First()
		}
		return opt.AttrOr("value", strings.TrimSpace(opt.Text()))
	case "input":
		t := strings.ToLower(el.AttrOr("type", ""))
		if t == "checkbox" || t == "radio" {
			if _, ok := el.Attr("checked"); ok {
				return "true"
			}
			return "false"
		}
		return el.AttrOr("value", "")
	case "textarea":
		if v, ok := el.Attr("value"); ok {
			return v
		}
		return el.Text()
	}
	return el.Text()
}

// formSubmit finds the submit button of the form enclosing el.
func formSubmit(el *goquery.Selection) *goquery.Selection {
	form := el.ParentsFiltered("form").First()
	if form.Length() == 0 {
		return form
	}
	return form.Find(`button[type="submit"], input[type="submit"], button:not([type])`).First()
}

func lastKey(combo string) string {
	parts := strings.Split(combo, "+")
	return strings.TrimSpace(parts[len(parts)-1])
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
