package workflow

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var planMarkdown = goldmark.New()

// planOutline returns the heading titles of a markdown plan, in order.
// Plans without headings fall back to their top-level list items.
func planOutline(plan string) []string {
	source := []byte(plan)
	doc := planMarkdown.Parser().Parse(text.NewReader(source))

	var headings, items []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if t := inlineText(node, source); t != "" {
				headings = append(headings, t)
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if _, top := node.Parent().Parent().(*ast.Document); top {
				if first := node.FirstChild(); first != nil {
					if t := inlineText(first, source); t != "" {
						items = append(items, t)
					}
				}
			}
		}
		return ast.WalkContinue, nil
	})
	if len(headings) > 0 {
		return headings
	}
	return items
}

func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}
