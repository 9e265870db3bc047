package observation

import (
	"strings"
	"testing"
)

const formPage = `<html><head><title>Sign up</title><script>var x = 1;</script></head>
<body>
  <h1>Create account</h1>
  <form>
    <label for="user">Username</label>
    <input id="user" type="text" value="ann">
    <input type="password" placeholder="Password">
    <label><input type="checkbox" checked> Remember me</label>
    <select id="color" aria-label="Color">
      <option value="r">Red</option>
      <option value="b" selected>Blue</option>
    </select>
    <input type="hidden" name="csrf" value="t0k3n">
    <div style="display: none"><button>Secret</button></div>
    <button type="submit" bid="99">Sign up</button>
  </form>
  <a href="/help">Need help?</a>
</body></html>`

func TestFromHTMLAssignsBIDsInDocumentOrder(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(formPage))
	if err != nil {
		t.Fatalf("ParseDocument error: %v", err)
	}

	if got := doc.Find("h1").AttrOr(BIDAttr, ""); got != "1" {
		t.Errorf("h1 bid = %q, want 1", got)
	}
	if got := doc.Find("#user").AttrOr(BIDAttr, ""); got != "4" {
		t.Errorf("#user bid = %q, want 4 (h1, form, label precede it)", got)
	}
	if got := doc.Find("button[type=submit]").AttrOr(BIDAttr, ""); got != "99" {
		t.Errorf("explicit bid = %q, want 99", got)
	}
	if doc.Find("script").AttrOr(BIDAttr, "") != "" {
		t.Error("script should not receive a bid")
	}

	// Re-assigning is a no-op.
	before := RenderHTML(doc)
	AssignBIDs(doc)
	if after := RenderHTML(doc); after != before {
		t.Error("AssignBIDs is not idempotent")
	}
}

func TestFromHTMLRolesAndNames(t *testing.T) {
	t.Parallel()

	root, err := FromHTML([]byte(formPage), "4")
	if err != nil {
		t.Fatalf("FromHTML error: %v", err)
	}
	if root.Role != "RootWebArea" || root.Name != "Sign up" {
		t.Fatalf("root = %s %q, want RootWebArea \"Sign up\"", root.Role, root.Name)
	}

	byName := map[string]*Node{}
	var visit func(n *Node)
	visit = func(n *Node) {
		if n.Name != "" {
			byName[n.Role+":"+n.Name] = n
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(root)

	tests := []struct {
		key   string
		check func(n *Node) bool
	}{
		{"heading:Create account", func(n *Node) bool { return n.BID == "1" }},
		{"textbox:Username", func(n *Node) bool { return n.Value == "ann" && n.Focused }},
		{"textbox:Password", func(n *Node) bool { return n.Value == "" }},
		{"checkbox:Remember me", func(n *Node) bool { return n.Checked }},
		{"combobox:Color", func(n *Node) bool { return n.Value == "b" }},
		{"option:Blue", func(n *Node) bool { return n.Selected }},
		{"button:Secret", func(n *Node) bool { return n.Hidden }},
		{"button:Sign up", func(n *Node) bool { return n.BID == "99" && !n.Hidden }},
		{"link:Need help?", func(n *Node) bool { return n.Tag == "a" }},
	}

	for _, tc := range tests {
		n, ok := byName[tc.key]
		if !ok {
			t.Errorf("node %q not found", tc.key)
			continue
		}
		if !tc.check(n) {
			t.Errorf("node %q = %+v, failed check", tc.key, n)
		}
	}
}

func TestFlattenModes(t *testing.T) {
	t.Parallel()

	root, err := FromHTML([]byte(formPage), "")
	if err != nil {
		t.Fatalf("FromHTML error: %v", err)
	}

	compact := Flatten(root, ModeAXTreeCompact, ProfileFor("miniwob").Strategy)
	if strings.Contains(compact, "heading") || strings.Contains(compact, "RootWebArea") {
		t.Errorf("compact mode kept non-interactive lines:\n%s", compact)
	}
	if !strings.Contains(compact, "[99] button 'Sign up'") {
		t.Errorf("compact mode missing submit button:\n%s", compact)
	}
	if strings.Contains(compact, "Secret") {
		t.Errorf("compact mode kept hidden button:\n%s", compact)
	}
	if strings.HasPrefix(compact, " ") {
		t.Errorf("compact mode should not indent:\n%s", compact)
	}

	tree := Flatten(root, ModeAXTree, ProfileFor("workarena").Strategy)
	if !strings.HasPrefix(tree, "RootWebArea 'Sign up'") {
		t.Errorf("axtree should start with the root line:\n%s", tree)
	}
	if !strings.Contains(tree, "[1] heading 'Create account'") {
		t.Errorf("axtree missing heading:\n%s", tree)
	}
	if !strings.Contains(tree, "textbox 'Password', value=''") {
		t.Errorf("form focus should show empty values:\n%s", tree)
	}

	full := Flatten(root, ModeAXTreeFull, ProfileFor("webarena").Strategy)
	if !strings.Contains(full, "button 'Secret', hidden") {
		t.Errorf("full mode should keep hidden elements marked hidden:\n%s", full)
	}
}

func TestFlattenNil(t *testing.T) {
	t.Parallel()

	if got := Flatten(nil, ModeAXTree, Strategy{}); got != "" {
		t.Fatalf("Flatten(nil) = %q, want empty", got)
	}
}
