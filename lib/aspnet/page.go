// Package aspnet models the pieces of an ASP.NET WebForms page that the
// scrapers care about: the postback token bundle, form payloads, result
// grids and captcha elements. All goquery selectors live here so the state
// machines in lib/scrapers never touch raw markup.
package aspnet

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// The four token names a WebForms server expects echoed back on every
// postback. Missing tokens are submitted as empty strings.
var tokenNames = []string{
	"__VIEWSTATE",
	"__VIEWSTATEGENERATOR",
	"__EVENTVALIDATION",
	"__VIEWSTATEENCRYPTED",
}

// Postback holds the token bundle extracted from the last fetched page.
// It is only valid for the very next request against the same form.
type Postback struct {
	tokens map[string]string
}

// Form returns the base payload for a postback: the token bundle plus the
// __EVENTTARGET/__EVENTARGUMENT pair. Callers add their own control fields.
func (p Postback) Form(target, argument string) map[string]string {
	payload := make(map[string]string, len(tokenNames)+2)
	for _, name := range tokenNames {
		payload[name] = p.tokens[name]
	}
	payload["__EVENTTARGET"] = target
	payload["__EVENTARGUMENT"] = argument
	return payload
}

// HasViewState reports whether the page carried a non-empty __VIEWSTATE,
// the minimum sign that the server rendered the form for this session.
func (p Postback) HasViewState() bool {
	return p.tokens["__VIEWSTATE"] != ""
}

// Page wraps a parsed HTML document with typed accessors.
type Page struct {
	doc *goquery.Document
}

func Parse(body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse webforms page: %w", err)
	}
	return &Page{doc: doc}, nil
}

// Postback re-extracts the token bundle. It must be called on every
// response before building the next request, stale tokens invalidate the
// server-side form session.
func (p *Page) Postback() Postback {
	tokens := make(map[string]string, len(tokenNames))
	for _, name := range tokenNames {
		tokens[name] = p.InputValue(name)
	}
	return Postback{tokens: tokens}
}

func (p *Page) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

// InputValue returns the value attribute of <input name=...>, or "".
func (p *Page) InputValue(name string) string {
	return p.doc.Find(fmt.Sprintf("input[name=%q]", name)).First().AttrOr("value", "")
}

// InputValueByID returns the value of <input id=...>, or "".
func (p *Page) InputValueByID(id string) string {
	return p.doc.Find(fmt.Sprintf("input[id=%q]", id)).First().AttrOr("value", "")
}

// InputNameByID returns the submit name of the first <input> whose id
// matches the pattern. The wizard identifies per-row checkboxes and the
// captcha textbox only by generated ids.
func (p *Page) InputNameByID(pattern *regexp.Regexp) (string, bool) {
	name := ""
	p.doc.Find("input").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, ok := sel.Attr("id")
		if !ok || !pattern.MatchString(id) {
			return true
		}
		name = sel.AttrOr("name", "")
		return false
	})
	return name, name != ""
}

// HasInputWithID reports whether any <input> id matches the pattern.
func (p *Page) HasInputWithID(pattern *regexp.Regexp) bool {
	_, ok := p.InputNameByID(pattern)
	return ok
}

// SelectedOption returns the value of the selected <option> under the
// <select> with the given id, or "" when nothing is selected.
func (p *Page) SelectedOption(selectID string) string {
	sel := p.doc.Find(fmt.Sprintf("select[id=%q] option[selected]", selectID)).First()
	return sel.AttrOr("value", "")
}

// SpanTextByID returns the trimmed text of the first <span> whose id
// matches the pattern, or "".
func (p *Page) SpanTextByID(pattern *regexp.Regexp) string {
	text := ""
	p.doc.Find("span").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, ok := sel.Attr("id")
		if !ok || !pattern.MatchString(id) {
			return true
		}
		text = strings.TrimSpace(sel.Text())
		return false
	})
	return text
}

var redirectURLRegex = regexp.MustCompile(`redirectUrl\s*=\s*'(https://[^']+)'`)

// RedirectURL scans inline scripts for the SSO notice page's
// `var redirectUrl = 'https://...'` assignment.
func (p *Page) RedirectURL() (string, bool) {
	link := ""
	p.doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		groups := redirectURLRegex.FindStringSubmatch(sel.Text())
		if len(groups) < 2 {
			return true
		}
		link = groups[1]
		return false
	})
	return link, link != ""
}

// CaptchaImage returns the src of the first <img> whose id matches the
// pattern. The src may be a data URI or a (possibly relative) URL.
func (p *Page) CaptchaImage(pattern *regexp.Regexp) (string, bool) {
	src := ""
	found := false
	p.doc.Find("img").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, ok := sel.Attr("id")
		if !ok || !pattern.MatchString(id) {
			return true
		}
		src = sel.AttrOr("src", "")
		found = true
		return false
	})
	return src, found
}

var doPostBackRegex = regexp.MustCompile(`__doPostBack\('([^']+)'`)

// AnchorPostbackTarget extracts the __doPostBack event target out of the
// href of the first <a> whose id matches the pattern.
func (p *Page) AnchorPostbackTarget(pattern *regexp.Regexp) (string, bool) {
	target := ""
	p.doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, ok := sel.Attr("id")
		if !ok || !pattern.MatchString(id) {
			return true
		}
		groups := doPostBackRegex.FindStringSubmatch(sel.AttrOr("href", ""))
		if len(groups) >= 2 {
			target = groups[1]
		}
		return false
	})
	return target, target != ""
}
