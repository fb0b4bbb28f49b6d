// Package chatfmt converts markdown produced by the generative service
// into the lightweight markup chat clients render: *bold*, _italic_,
// ~strike~, `code` and ``` blocks. Plain text, including @number
// mentions, passes through unchanged.
//
// Emphasis keeps the chat meaning of its delimiter: *word* and **word**
// become *word* (bold), _word_ stays _word_ (italic).
package chatfmt

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Convert rewrites markdown as chat markup.
func Convert(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	r := &renderer{src: src}
	r.blocks(doc)
	return strings.TrimSpace(r.sb.String())
}

type renderer struct {
	src []byte
	sb  strings.Builder
}

func (r *renderer) blocks(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		if n != parent.FirstChild() {
			r.sb.WriteString("\n\n")
		}
		r.block(n)
	}
}

func (r *renderer) block(n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		r.sb.WriteString("*")
		r.inlines(n)
		r.sb.WriteString("*")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		r.sb.WriteString("```\n")
		r.lines(n)
		if !strings.HasSuffix(r.sb.String(), "\n") {
			r.sb.WriteString("\n")
		}
		r.sb.WriteString("```")
	case *ast.List:
		r.list(n, 0)
	case *ast.Blockquote:
		inner := &renderer{src: r.src}
		inner.blocks(n)
		quoted := strings.Split(strings.TrimRight(inner.sb.String(), "\n"), "\n")
		for i, line := range quoted {
			if i > 0 {
				r.sb.WriteString("\n")
			}
			r.sb.WriteString("> ")
			r.sb.WriteString(line)
		}
	case *ast.ThematicBreak:
		r.sb.WriteString("----")
	case *ast.HTMLBlock:
		r.lines(n)
	default:
		r.inlines(n)
	}
}

func (r *renderer) list(l *ast.List, depth int) {
	indent := strings.Repeat("  ", depth)
	num := l.Start
	if num == 0 {
		num = 1
	}
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if item != l.FirstChild() {
			r.sb.WriteString("\n")
		}
		r.sb.WriteString(indent)
		if l.IsOrdered() {
			fmt.Fprintf(&r.sb, "%d. ", num)
			num++
		} else {
			r.sb.WriteString("- ")
		}
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if nested, ok := c.(*ast.List); ok {
				r.sb.WriteString("\n")
				r.list(nested, depth+1)
				continue
			}
			if c != item.FirstChild() {
				r.sb.WriteString("\n" + indent + "  ")
			}
			r.block(c)
		}
	}
}

func (r *renderer) lines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.sb.Write(seg.Value(r.src))
	}
}

func (r *renderer) inlines(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.inline(n)
	}
}

func (r *renderer) inline(n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		r.sb.Write(util.UnescapePunctuations(n.Segment.Value(r.src)))
		if n.SoftLineBreak() || n.HardLineBreak() {
			r.sb.WriteString("\n")
		}
	case *ast.String:
		r.sb.Write(n.Value)
	case *ast.Emphasis:
		mark := "*"
		if n.Level == 1 && r.delimiter(n) == '_' {
			mark = "_"
		}
		r.sb.WriteString(mark)
		r.inlines(n)
		r.sb.WriteString(mark)
	case *east.Strikethrough:
		r.sb.WriteString("~")
		r.inlines(n)
		r.sb.WriteString("~")
	case *ast.CodeSpan:
		r.sb.WriteString("`")
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				r.sb.Write(t.Segment.Value(r.src))
			}
		}
		r.sb.WriteString("`")
	case *ast.Link:
		r.link(r.plain(n), string(n.Destination))
	case *ast.Image:
		r.link(r.plain(n), string(n.Destination))
	case *ast.AutoLink:
		r.sb.Write(n.URL(r.src))
	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			r.sb.Write(seg.Value(r.src))
		}
	default:
		r.inlines(n)
	}
}

// delimiter returns the source character that opened emphasis n. It
// walks to the first text inside n, stepping over nested emphasis, and
// reads back past every opening delimiter.
func (r *renderer) delimiter(n *ast.Emphasis) byte {
	skip := n.Level
	for c := n.FirstChild(); c != nil; c = c.FirstChild() {
		if e, ok := c.(*ast.Emphasis); ok {
			skip += e.Level
			continue
		}
		if t, ok := c.(*ast.Text); ok && t.Segment.Start-skip >= 0 {
			return r.src[t.Segment.Start-skip]
		}
		break
	}
	return '*'
}

func (r *renderer) link(label, dest string) {
	switch {
	case label == "" || label == dest:
		r.sb.WriteString(dest)
	case dest == "":
		r.sb.WriteString(label)
	default:
		fmt.Fprintf(&r.sb, "%s (%s)", label, dest)
	}
}

// plain renders the children of n into a separate buffer.
func (r *renderer) plain(n ast.Node) string {
	inner := &renderer{src: r.src}
	inner.inlines(n)
	return inner.sb.String()
}
