package render

import (
	"io"
	"strconv"
	"strings"

	"github.com/russross/blackfriday/v2"
	"golang.org/x/net/html"
)

// Discord renders Markdown into the subset Discord understands.
func Discord(md string) string {
	out := blackfriday.Run([]byte(md),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(discordRenderer{}),
	)
	return html.UnescapeString(strings.TrimSpace(string(out)))
}

// discordRenderer renders the whole tree in one pass when it sees the
// document node, since headings and quotes need their children's output.
type discordRenderer struct{}

func (discordRenderer) RenderHeader(io.Writer, *blackfriday.Node) {}
func (discordRenderer) RenderFooter(io.Writer, *blackfriday.Node) {}

func (discordRenderer) RenderNode(w io.Writer, node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
	if entering && node.Type == blackfriday.Document {
		_, _ = io.WriteString(w, blocks(node))
	}
	return blackfriday.Terminate
}

func blocks(parent *blackfriday.Node) string {
	var parts []string
	for n := parent.FirstChild; n != nil; n = n.Next {
		if s := block(n); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func block(n *blackfriday.Node) string {
	switch n.Type {
	case blackfriday.Paragraph:
		return inlines(n)
	case blackfriday.Heading:
		return heading(n.HeadingData.Level, inlines(n))
	case blackfriday.BlockQuote:
		return prefixLines(blocks(n), "> ")
	case blackfriday.List:
		return list(n)
	case blackfriday.CodeBlock:
		info := ""
		if n.CodeBlockData.IsFenced {
			info = string(n.CodeBlockData.Info)
		}
		code := string(n.Literal)
		if !strings.HasSuffix(code, "\n") {
			code += "\n"
		}
		return "```" + info + "\n" + code + "```"
	case blackfriday.HTMLBlock:
		return strings.TrimSpace(stripTags(string(n.Literal)))
	case blackfriday.HorizontalRule:
		return "---"
	case blackfriday.Table:
		return table(n)
	default:
		return inlines(n)
	}
}

func heading(level int, text string) string {
	switch level {
	case 1:
		return "__***" + strings.ToUpper(text) + "***__"
	case 2:
		return "__***" + text + "***__"
	case 3:
		return "***" + text + "***"
	case 4:
		return "**" + text + "**"
	case 5:
		return "*" + text + "*"
	default:
		return text
	}
}

func list(n *blackfriday.Node) string {
	ordered := n.ListData.ListFlags&blackfriday.ListTypeOrdered != 0
	var lines []string
	i := 1
	for item := n.FirstChild; item != nil; item = item.Next {
		marker := "- "
		if ordered {
			marker = strconv.Itoa(i) + ". "
		}
		i++
		body := blocks(item)
		if n.ListData.Tight {
			body = strings.ReplaceAll(body, "\n\n", "\n")
		}
		lines = append(lines, marker+indentContinuation(body, strings.Repeat(" ", len(marker))))
	}
	return strings.Join(lines, "\n")
}

func table(n *blackfriday.Node) string {
	var rows []string
	var walk func(*blackfriday.Node)
	walk = func(p *blackfriday.Node) {
		for c := p.FirstChild; c != nil; c = c.Next {
			if c.Type != blackfriday.TableRow {
				walk(c)
				continue
			}
			var cells []string
			for cell := c.FirstChild; cell != nil; cell = cell.Next {
				cells = append(cells, inlines(cell))
			}
			rows = append(rows, strings.Join(cells, " | "))
		}
	}
	walk(n)
	return strings.Join(rows, "\n")
}

func inlines(parent *blackfriday.Node) string {
	var b strings.Builder
	for n := parent.FirstChild; n != nil; n = n.Next {
		b.WriteString(inline(n))
	}
	return b.String()
}

func inline(n *blackfriday.Node) string {
	switch n.Type {
	case blackfriday.Text:
		return string(n.Literal)
	case blackfriday.Emph:
		return "*" + inlines(n) + "*"
	case blackfriday.Strong:
		return "**" + inlines(n) + "**"
	case blackfriday.Del:
		return "~~" + inlines(n) + "~~"
	case blackfriday.Code:
		return "`" + string(n.Literal) + "`"
	case blackfriday.Softbreak, blackfriday.Hardbreak:
		return "\n"
	case blackfriday.HTMLSpan:
		return stripTags(string(n.Literal))
	case blackfriday.Link:
		text, dest := inlines(n), string(n.LinkData.Destination)
		if text == "" || text == dest {
			return dest
		}
		return "[" + text + "](" + dest + ")"
	case blackfriday.Image:
		return string(n.LinkData.Destination)
	default:
		if n.FirstChild != nil {
			return block(n)
		}
		return string(n.Literal)
	}
}

func prefixLines(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func indentContinuation(s, indent string) string {
	return strings.ReplaceAll(s, "\n", "\n"+indent)
}
