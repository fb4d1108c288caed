// ABOUTME: Markdown to Slack mrkdwn conversion via a goldmark AST walk.
// ABOUTME: Agents speak standard markdown; Slack renders its own dialect.

package slack

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// mrkdwnEscaper covers the three characters Slack requires escaped in
// message text.
var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// ToMrkdwn renders markdown as Slack mrkdwn: *bold*, _italic_,
// <url|label> links, bullet lists, and fenced code blocks. Unknown
// constructs degrade to their plain text.
func ToMrkdwn(md string) string {
	source := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(source))

	c := &mrkdwnWriter{source: source}
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		c.block(child)
	}
	return strings.TrimSpace(c.b.String())
}

type mrkdwnWriter struct {
	source []byte
	b      strings.Builder
	depth  int
}

func (c *mrkdwnWriter) block(n ast.Node) {
	switch v := n.(type) {
	case *ast.Heading:
		c.b.WriteString("*")
		c.inlineChildren(v)
		c.b.WriteString("*\n\n")

	case *ast.Paragraph:
		c.inlineChildren(v)
		c.b.WriteString("\n\n")

	case *ast.TextBlock:
		c.inlineChildren(v)
		c.b.WriteString("\n")

	case *ast.FencedCodeBlock:
		c.codeBlock(v.Lines())

	case *ast.CodeBlock:
		c.codeBlock(v.Lines())

	case *ast.List:
		c.list(v)

	case *ast.Blockquote:
		c.blockquote(v)

	case *ast.ThematicBreak:
		c.b.WriteString("---\n\n")

	case *ast.HTMLBlock:
		c.rawLines(v.Lines())
		c.b.WriteString("\n")

	default:
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			c.block(child)
		}
	}
}

func (c *mrkdwnWriter) inlineChildren(parent ast.Node) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		c.inline(child)
	}
}

func (c *mrkdwnWriter) inline(n ast.Node) {
	switch v := n.(type) {
	case *ast.Text:
		c.writeText(string(v.Segment.Value(c.source)))
		if v.SoftLineBreak() || v.HardLineBreak() {
			c.b.WriteByte('\n')
		}

	case *ast.String:
		c.writeText(string(v.Value))

	case *ast.Emphasis:
		marker := "_"
		if v.Level == 2 {
			marker = "*"
		}
		c.b.WriteString(marker)
		c.inlineChildren(v)
		c.b.WriteString(marker)

	case *ast.CodeSpan:
		c.b.WriteByte('`')
		c.inlineChildren(v)
		c.b.WriteByte('`')

	case *ast.Link:
		c.b.WriteByte('<')
		c.b.Write(v.Destination)
		c.b.WriteByte('|')
		c.inlineChildren(v)
		c.b.WriteByte('>')

	case *ast.AutoLink:
		c.b.WriteByte('<')
		c.b.Write(v.URL(c.source))
		c.b.WriteByte('>')

	case *ast.Image:
		c.b.WriteByte('<')
		c.b.Write(v.Destination)
		c.b.WriteByte('|')
		c.inlineChildren(v)
		c.b.WriteByte('>')

	default:
		c.inlineChildren(n)
	}
}

func (c *mrkdwnWriter) writeText(s string) {
	c.b.WriteString(mrkdwnEscaper.Replace(s))
}

func (c *mrkdwnWriter) codeBlock(lines *text.Segments) {
	c.b.WriteString("```\n")
	c.rawLines(lines)
	c.b.WriteString("```\n\n")
}

// rawLines writes block content line segments, escaped; Slack unescapes
// entities inside code fences too.
func (c *mrkdwnWriter) rawLines(lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		c.writeText(string(segment.Value(c.source)))
	}
}

func (c *mrkdwnWriter) list(v *ast.List) {
	index := v.Start
	if index == 0 {
		index = 1
	}
	for item := v.FirstChild(); item != nil; item = item.NextSibling() {
		c.b.WriteString(strings.Repeat("  ", c.depth))
		if v.IsOrdered() {
			fmt.Fprintf(&c.b, "%d. ", index)
			index++
		} else {
			c.b.WriteString("• ")
		}
		c.depth++
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			switch inner := child.(type) {
			case *ast.TextBlock:
				c.inlineChildren(inner)
				c.b.WriteByte('\n')
			case *ast.Paragraph:
				c.inlineChildren(inner)
				c.b.WriteByte('\n')
			default:
				c.block(child)
			}
		}
		c.depth--
	}
	if c.depth == 0 {
		c.b.WriteByte('\n')
	}
}

func (c *mrkdwnWriter) blockquote(v *ast.Blockquote) {
	sub := &mrkdwnWriter{source: c.source}
	for child := v.FirstChild(); child != nil; child = child.NextSibling() {
		sub.block(child)
	}
	for _, line := range strings.Split(strings.TrimRight(sub.b.String(), "\n"), "\n") {
		c.b.WriteString("> ")
		c.b.WriteString(line)
		c.b.WriteByte('\n')
	}
	c.b.WriteByte('\n')
}
