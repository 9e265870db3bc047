package observation

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// BIDAttr is the attribute holding an element's browser id.
const BIDAttr = "bid"

// skippedTags never produce nodes or bids.
var skippedTags = map[string]bool{
	"script": true, "style": true, "meta": true, "link": true, "noscript": true, "template": true, "head": true, "title": true,
}

// leafRoles take their name from the full text content and are not descended into.
var leafRoles = map[string]bool{
	"button": true, "link": true, "option": true, "heading": true, "textbox": true, "checkbox": true,
	"radio": true, "img": true, "StaticText": true, "tab": true, "menuitem": true, "searchbox": true,
}

// interactiveRoles are emitted by every tree mode.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true, "checkbox": true, "radio": true,
	"combobox": true, "listbox": true, "option": true, "tab": true, "menuitem": true, "slider": true, "switch": true,
}

// ParseDocument parses page markup and assigns bids.
func ParseDocument(page []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	AssignBIDs(doc)
	return doc, nil
}

// AssignBIDs gives every element under body a numeric bid in document order.
// Bids already present in the markup are kept and never reused.
func AssignBIDs(doc *goquery.Document) {
	used := make(map[string]bool)
	doc.Find("[" + BIDAttr + "]").Each(func(_ int, s *goquery.Selection) {
		used[s.AttrOr(BIDAttr, "")] = true
	})

	next := 1
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if skippedTags[goquery.NodeName(s)] {
			return
		}
		if _, ok := s.Attr(BIDAttr); ok {
			return
		}
		for used[strconv.Itoa(next)] {
			next++
		}
		id := strconv.Itoa(next)
		used[id] = true
		s.SetAttr(BIDAttr, id)
	})
}

// FromHTML parses page markup into a structure tree.
func FromHTML(page []byte, focusedBID string) (*Node, error) {
	doc, err := ParseDocument(page)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc, focusedBID), nil
}

// FromDocument builds a structure tree from a parsed document with assigned bids.
func FromDocument(doc *goquery.Document, focusedBID string) *Node {
	root := &Node{Role: "RootWebArea", Name: collapse(doc.Find("title").First().Text())}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return root
	}
	for _, n := range body.Nodes {
		root.Children = append(root.Children, buildChildren(doc, n, focusedBID, false)...)
	}
	return root
}

func buildChildren(doc *goquery.Document, parent *html.Node, focusedBID string, parentHidden bool) []*Node {
	var out []*Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			// Text inside an element is already part of that element's name.
			if parent.Data != "body" {
				continue
			}
			if text := collapse(c.Data); text != "" {
				out = append(out, &Node{Role: "StaticText", Name: text, Hidden: parentHidden})
			}
		case html.ElementNode:
			if skippedTags[c.Data] {
				continue
			}
			out = append(out, buildNode(doc, c, focusedBID, parentHidden))
		}
	}
	return out
}

func buildNode(doc *goquery.Document, n *html.Node, focusedBID string, parentHidden bool) *Node {
	s := goquery.NewDocumentFromNode(n).Selection
	node := &Node{
		BID:      attr(n, BIDAttr),
		Tag:      n.Data,
		Role:     roleOf(n),
		Disabled: hasAttr(n, "disabled") || attr(n, "aria-disabled") == "true",
		Checked:  hasAttr(n, "checked") || attr(n, "aria-checked") == "true",
		Selected: hasAttr(n, "selected"),
		Hidden:   parentHidden || isHidden(n),
	}
	node.Focused = focusedBID != "" && node.BID == focusedBID

	switch node.Role {
	case "textbox", "searchbox":
		if n.Data == "textarea" {
			node.Value = attrOr(n, "value", s.Text())
		} else {
			node.Value = attr(n, "value")
		}
		node.Name = accessibleName(doc, n, "")
	case "combobox", "listbox":
		node.Value = selectedOption(s)
		node.Name = accessibleName(doc, n, "")
	case "button":
		fallback := collapse(s.Text())
		if n.Data == "input" {
			fallback = attr(n, "value")
		}
		node.Name = accessibleName(doc, n, fallback)
	case "img":
		node.Name = accessibleName(doc, n, attr(n, "alt"))
	case "checkbox", "radio":
		node.Name = accessibleName(doc, n, "")
	default:
		if leafRoles[node.Role] {
			node.Name = accessibleName(doc, n, collapse(s.Text()))
		} else {
			node.Name = attrOr(n, "aria-label", ownText(n))
		}
	}

	if !leafRoles[node.Role] {
		node.Children = buildChildren(doc, n, focusedBID, node.Hidden)
	}
	return node
}

// roleOf infers an ARIA role from the tag and attributes.
func roleOf(n *html.Node) string {
	if r := attr(n, "role"); r != "" {
		return r
	}
	switch n.Data {
	case "a":
		if hasAttr(n, "href") {
			return "link"
		}
		return "generic"
	case "button":
		return "button"
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "search":
			return "searchbox"
		case "range":
			return "slider"
		default:
			return "textbox"
		}
	case "textarea":
		return "textbox"
	case "select":
		if hasAttr(n, "multiple") {
			return "listbox"
		}
		return "combobox"
	case "option":
		return "option"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "img", "canvas":
		return "img"
	case "table":
		return "table"
	case "tr":
		return "row"
	case "td", "th":
		return "cell"
	case "form":
		return "form"
	case "ul", "ol":
		return "list"
	case "li":
		return "listitem"
	case "label":
		return "label"
	case "nav":
		return "navigation"
	case "main":
		return "main"
	case "p":
		return "paragraph"
	}
	if hasAttr(n, "onclick") {
		return "button"
	}
	return "generic"
}

func isHidden(n *html.Node) bool {
	if hasAttr(n, "hidden") || attr(n, "aria-hidden") == "true" {
		return true
	}
	if n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// accessibleName tries aria-label, aria-labelledby, label[for], a wrapping label, placeholder, fallback and finally title.
func accessibleName(doc *goquery.Document, n *html.Node, fallback string) string {
	if v := attr(n, "aria-label"); v != "" {
		return v
	}
	if ids := attr(n, "aria-labelledby"); ids != "" {
		var parts []string
		for _, id := range strings.Fields(ids) {
			if t := collapse(doc.Find("#" + id).Text()); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if id := attr(n, "id"); id != "" {
		if t := collapse(doc.Find(`label[for="` + id + `"]`).First().Text()); t != "" {
			return t
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			if t := collapse(ownText(p)); t != "" {
				return t
			}
			break
		}
	}
	if v := attr(n, "placeholder"); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return attr(n, "title")
}

func selectedOption(s *goquery.Selection) string {
	opt := s.Find("option[selected]").First()
	if opt.Length() == 0 {
		opt = s.Find("option").First()
	}
	if v, ok := opt.Attr("value"); ok && v != "" {
		return v
	}
	return collapse(opt.Text())
}

// ownText returns the element's direct text children, collapsed.
func ownText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	}
	return collapse(b.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func attrOr(n *html.Node, key, fallback string) string {
	if v := attr(n, key); v != "" {
		return v
	}
	return fallback
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// RenderHTML serializes the document body for DOM-mode observations.
func RenderHTML(doc *goquery.Document) string {
	out, err := goquery.OuterHtml(doc.Find("body").First())
	if err != nil {
		return ""
	}
	return out
}
