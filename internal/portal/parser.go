package portal

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"campusmirror/internal/models"
)

// The portal has no API; every structured record in the mirror is scraped
// out of server-rendered markup. The transforms below are pure and tolerant:
// missing or reshuffled markup yields fewer records, never an error.
//
// Markup contract (observed, not documented by the portal):
//   - the index page groups items into elements with class "semester-row",
//     each holding a heading with the semester name and items with class
//     "portal-item"
//   - listing pages hold rows with class "listing-item"
//   - every usable item carries an anchor whose href encodes the external
//     reference: "ref_id" for courses, groups and folders, "target" for files
//   - the item kind is derived from an "icon-<kind>" class on the row's icon

// IndexSection is one semester block of the index page.
type IndexSection struct {
	Year  string
	Items []IndexItem
}

// IndexItem is a course or group entry on the index page.
type IndexItem struct {
	Title string
	Ref   string
	Date  string
	Kind  models.ItemKind
}

// ListingItem is a child entry on a course or folder listing page.
type ListingItem struct {
	Title       string
	Ref         string
	Description string
	Kind        models.ItemKind
	Extension   string // files only
}

// ParseIndex extracts the semester sections from the index page. Items
// without a resolvable reference id are dropped.
func ParseIndex(markup string) []IndexSection {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil
	}

	var sections []IndexSection
	for _, row := range findAll(root, withClass("semester-row")) {
		year := ""
		if h := find(row, isHeading); h != nil {
			year = strings.TrimSpace(textContent(h))
		}
		if year == "" {
			continue
		}

		section := IndexSection{Year: year}
		for _, node := range findAll(row, withClass("portal-item")) {
			ref, title := refAndTitle(node, "ref_id")
			if ref == "" {
				continue
			}
			kind := models.KindCourse
			if iconKind(node) == models.KindGroup {
				kind = models.KindGroup
			}
			date := ""
			if d := find(node, withClass("item-date")); d != nil {
				date = strings.TrimSpace(textContent(d))
			}
			section.Items = append(section.Items, IndexItem{
				Title: title,
				Ref:   ref,
				Date:  date,
				Kind:  kind,
			})
		}
		sections = append(sections, section)
	}
	return sections
}

// ParseListing extracts child items from a course or folder listing page.
// Items whose kind is not in allowed are silently excluded.
func ParseListing(markup string, allowed ...models.ItemKind) []ListingItem {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil
	}

	allowedSet := make(map[models.ItemKind]bool, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = true
	}

	var items []ListingItem
	for _, node := range findAll(root, withClass("listing-item")) {
		kind := iconKind(node)
		if kind == "" || !allowedSet[kind] {
			continue
		}

		param := "ref_id"
		if kind == models.KindFile {
			param = "target"
		}
		ref, title := refAndTitle(node, param)
		if ref == "" {
			continue
		}

		item := ListingItem{Ref: ref, Kind: kind}
		if d := find(node, withClass("item-description")); d != nil {
			item.Description = strings.TrimSpace(textContent(d))
		}
		if kind == models.KindFile {
			item.Title, item.Extension = splitExtension(title)
		} else {
			item.Title = title
		}
		items = append(items, item)
	}
	return items
}

// ParseProfile extracts the account email from the profile page. Returns the
// empty string when the expected input is absent.
func ParseProfile(markup string) string {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	input := find(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == "email"
	})
	if input == nil {
		return ""
	}
	return attr(input, "value")
}

// refAndTitle finds the first anchor under node carrying the given query
// parameter and returns the parameter value and the anchor text.
func refAndTitle(node *html.Node, param string) (ref, title string) {
	for _, a := range findAll(node, isElement("a")) {
		href := attr(a, "href")
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		if v := u.Query().Get(param); v != "" {
			return v, strings.TrimSpace(textContent(a))
		}
	}
	return "", ""
}

// iconKind reads the item kind off the row's icon marker class.
func iconKind(node *html.Node) models.ItemKind {
	img := find(node, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "img" && hasClassPrefix(n, "icon-")
	})
	if img == nil {
		return ""
	}
	for _, c := range strings.Fields(attr(img, "class")) {
		switch strings.TrimPrefix(c, "icon-") {
		case "course":
			return models.KindCourse
		case "group":
			return models.KindGroup
		case "folder":
			return models.KindFolder
		case "file":
			return models.KindFile
		}
	}
	return ""
}

func splitExtension(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], strings.ToLower(name[i+1:])
}

// --- node walking helpers ---

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func withClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, c := range strings.Fields(attr(n, "class")) {
			if c == class {
				return true
			}
		}
		return false
	}
}

func hasClassPrefix(n *html.Node, prefix string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func isElement(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func isHeading(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

// find returns the first node in document order matching pred, or nil.
func find(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := find(c, pred); m != nil {
			return m
		}
	}
	return nil
}

// findAll collects matching nodes in document order. Matched nodes are not
// descended into, so nested structures yield their outermost match.
func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if pred(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
