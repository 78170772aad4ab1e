package render

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Tags whose closing (or, for br, any) form ends a line.
var lineBreakTags = map[string]bool{
	"br": true, "p": true, "div": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// Formatting tags that must be balanced for a description to be converted.
var balancedTags = map[string]bool{
	"b": true, "strong": true, "i": true, "em": true, "ul": true, "ol": true, "li": true,
}

// plainText strips all markup, keeping text and turning block boundaries
// into newlines. Entities are decoded.
func plainText(raw string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				b.Write(z.Raw())
			}
			return strings.ReplaceAll(b.String(), "\u00a0", " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); lineBreakTags[string(name)] && string(name) != "br" {
				b.WriteByte('\n')
			}
		}
	}
}

// checkBalanced rejects formatting tags that close without opening or are
// left open.
func checkBalanced(raw string) error {
	open := map[string]int{}
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			for tag, n := range open {
				if n > 0 {
					return fmt.Errorf("unclosed <%s>", tag)
				}
			}
			return nil
		case html.StartTagToken:
			if name, _ := z.TagName(); balancedTags[string(name)] {
				open[string(name)]++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !balancedTags[tag] {
				continue
			}
			if open[tag] == 0 {
				return fmt.Errorf("unexpected </%s>", tag)
			}
			open[tag]--
		}
	}
}

var (
	reBreak       = regexp.MustCompile(`(?i)<br\s*/?>`)
	reBlockClose  = regexp.MustCompile(`(?i)</(?:p|div|li|h[1-6])\s*>`)
	reItemOpen    = regexp.MustCompile(`(?i)<li(?:\s[^>]*)?>`)
	reHeadingOpen = regexp.MustCompile(`(?i)<h([1-6])(?:\s[^>]*)?>`)
	reDropped     = regexp.MustCompile(`(?i)</?(?:ul|ol|span|p|div)(?:\s[^>]*)?/?>`)
	reBold        = regexp.MustCompile(`(?i)</?(?:b|strong)(?:\s[^>]*)?>`)
	reItalic      = regexp.MustCompile(`(?i)</?(?:i|em)(?:\s[^>]*)?>`)
	reHref        = regexp.MustCompile(`(?i)\bhref\s*=\s*"([^"]*)"`)
	reInnerTags   = regexp.MustCompile(`(?i)</?!?(?:img|a)\b[^>]*>`)
)

// toMarkdown rewrites calendar-style rich text into Markdown. Unknown tags
// are left alone for the Markdown renderer to deal with.
func toMarkdown(raw string) string {
	s := strings.ReplaceAll(raw, "&nbsp;", " ")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reBlockClose.ReplaceAllString(s, "\n")
	s = reItemOpen.ReplaceAllString(s, "- ")
	s = reHeadingOpen.ReplaceAllStringFunc(s, func(m string) string {
		level := reHeadingOpen.FindStringSubmatch(m)[1][0] - '0'
		return strings.Repeat("#", int(level)) + " "
	})
	s = reDropped.ReplaceAllString(s, "")
	s = reBold.ReplaceAllString(s, "**")
	s = reItalic.ReplaceAllString(s, "*")
	return convertAnchors(s)
}

// convertAnchors replaces each innermost <a href="...">text</a> with
// [text](href). Anchors without an href or without a closing tag stay as
// they are.
func convertAnchors(s string) string {
	var b strings.Builder
	for {
		lower := asciiLower(s)
		closeAt := strings.Index(lower, "</a>")
		if closeAt < 0 {
			b.WriteString(s)
			return b.String()
		}
		openAt := lastAnchorOpen(lower[:closeAt])
		tagLen := -1
		if openAt >= 0 {
			tagLen = strings.IndexByte(s[openAt:closeAt], '>')
		}
		var href []string
		if tagLen >= 0 {
			href = reHref.FindStringSubmatch(s[openAt : openAt+tagLen+1])
		}
		if href == nil {
			b.WriteString(s[:closeAt+len("</a>")])
			s = s[closeAt+len("</a>"):]
			continue
		}
		inner := reInnerTags.ReplaceAllString(s[openAt+tagLen+1:closeAt], "")
		b.WriteString(s[:openAt])
		b.WriteString("[" + inner + "](" + href[1] + ")")
		s = s[closeAt+len("</a>"):]
	}
}

// lastAnchorOpen finds the last "<a" that starts an anchor tag.
func lastAnchorOpen(lower string) int {
	for end := len(lower); end > 0; {
		i := strings.LastIndex(lower[:end], "<a")
		if i < 0 {
			return -1
		}
		if next := i + 2; next < len(lower) && (lower[next] == '>' || lower[next] == ' ' || lower[next] == '\t' || lower[next] == '\n') {
			return i
		}
		end = i
	}
	return -1
}

// asciiLower lower-cases ASCII letters only, keeping byte offsets intact.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// stripTags returns the text content of an HTML fragment, entities decoded.
func stripTags(fragment string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
}
