// Package render turns bot Markdown into text for a terminal.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// Renderer converts Markdown to terminal text. Headings, emphasis, code
// and links are styled with ANSI colors when color is enabled.
type Renderer struct {
	heading *color.Color
	bold    *color.Color
	italic  *color.Color
	strike  *color.Color
	code    *color.Color
	link    *color.Color
	faint   *color.Color
	md      goldmark.Markdown
}

// New returns a Renderer. With colored false the output is plain text.
func New(colored bool) *Renderer {
	r := &Renderer{
		heading: color.New(color.Bold, color.Underline),
		bold:    color.New(color.Bold),
		italic:  color.New(color.Italic),
		strike:  color.New(color.CrossedOut),
		code:    color.New(color.FgCyan),
		link:    color.New(color.FgBlue, color.Underline),
		faint:   color.New(color.Faint),
	}
	for _, c := range []*color.Color{r.heading, r.bold, r.italic, r.strike, r.code, r.link, r.faint} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	r.md = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&terminalRenderer{r: r}, 1)),
		)),
	)
	return r
}

// Render converts md. Input that fails to parse is returned unchanged.
func (r *Renderer) Render(md string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return strings.TrimSpace(buf.String())
}

// Faint styles s as secondary output, such as typing previews.
func (r *Renderer) Faint(s string) string {
	return r.faint.Sprint(s)
}

type terminalRenderer struct {
	r           *Renderer
	listCounter int
}

func (t *terminalRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, t.renderContainer)
	reg.Register(ast.KindHeading, t.renderHeading)
	reg.Register(ast.KindParagraph, t.renderParagraph)
	reg.Register(ast.KindBlockquote, t.renderBlockquote)
	reg.Register(ast.KindFencedCodeBlock, t.renderCodeBlock)
	reg.Register(ast.KindCodeBlock, t.renderCodeBlock)
	reg.Register(ast.KindList, t.renderList)
	reg.Register(ast.KindListItem, t.renderListItem)
	reg.Register(ast.KindTextBlock, t.renderTextBlock)
	reg.Register(ast.KindThematicBreak, t.renderThematicBreak)
	reg.Register(ast.KindHTMLBlock, t.renderHTMLBlock)

	reg.Register(ast.KindText, t.renderText)
	reg.Register(ast.KindString, t.renderString)
	reg.Register(ast.KindCodeSpan, t.renderCodeSpan)
	reg.Register(ast.KindEmphasis, t.renderEmphasis)
	reg.Register(ast.KindLink, t.renderLink)
	reg.Register(ast.KindAutoLink, t.renderAutoLink)
	reg.Register(ast.KindImage, t.renderImage)
	reg.Register(ast.KindRawHTML, t.renderRawHTML)

	reg.Register(extast.KindStrikethrough, t.renderStrikethrough)
}

func (t *terminalRenderer) renderContainer(util.BufWriter, []byte, ast.Node, bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderHeading(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(t.r.heading.Sprint(plainText(source, node)))
		_, _ = w.WriteString("\n\n")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderParagraph(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
		if node.NextSibling() != nil {
			_, _ = w.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderBlockquote(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(t.r.faint.Sprint("│ "))
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := strings.TrimRight(string(lines.At(i).Value(source)), "\n")
		_, _ = w.WriteString("    ")
		_, _ = w.WriteString(t.r.code.Sprint(line))
		_, _ = w.WriteString("\n")
	}
	if node.NextSibling() != nil {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkSkipChildren, nil
}

func (t *terminalRenderer) renderList(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.List)
	if entering {
		if n.IsOrdered() {
			t.listCounter = int(n.Start)
		} else {
			t.listCounter = 0
		}
	} else if node.NextSibling() != nil {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderListItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if node.Parent().(*ast.List).IsOrdered() {
			_, _ = fmt.Fprintf(w, "%d. ", t.listCounter)
			t.listCounter++
		} else {
			_, _ = w.WriteString("• ")
		}
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderTextBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderThematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(t.r.faint.Sprint("───"))
		_, _ = w.WriteString("\n\n")
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderHTMLBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			_, _ = w.Write(lines.At(i).Value(source))
		}
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.Write(n.Segment.Value(source))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.Write(node.(*ast.String).Value)
	}
	return ast.WalkContinue, nil
}

// Inline styles wrap the flattened child text so escape sequences never
// interleave.

func (t *terminalRenderer) renderCodeSpan(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(t.r.code.Sprint(plainText(source, node)))
	}
	return ast.WalkSkipChildren, nil
}

func (t *terminalRenderer) renderEmphasis(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	style := t.r.italic
	if node.(*ast.Emphasis).Level == 2 {
		style = t.r.bold
	}
	_, _ = w.WriteString(style.Sprint(plainText(source, node)))
	return ast.WalkSkipChildren, nil
}

func (t *terminalRenderer) renderLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Link)
	text := plainText(source, node)
	dest := string(n.Destination)
	if text == "" || text == dest {
		_, _ = w.WriteString(t.r.link.Sprint(dest))
	} else {
		_, _ = fmt.Fprintf(w, "%s (%s)", text, t.r.link.Sprint(dest))
	}
	return ast.WalkSkipChildren, nil
}

func (t *terminalRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(t.r.link.Sprint(string(node.(*ast.AutoLink).URL(source))))
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderImage(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Image)
	_, _ = fmt.Fprintf(w, "[image: %s] (%s)", plainText(source, node), t.r.link.Sprint(string(n.Destination)))
	return ast.WalkSkipChildren, nil
}

func (t *terminalRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		_, _ = w.Write(n.Segments.At(i).Value(source))
	}
	return ast.WalkContinue, nil
}

func (t *terminalRenderer) renderStrikethrough(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(t.r.strike.Sprint(plainText(source, node)))
	}
	return ast.WalkSkipChildren, nil
}

// plainText concatenates the text under node, joining soft breaks with a
// space.
func plainText(source []byte, node ast.Node) string {
	var sb strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(v.Value)
		case *ast.AutoLink:
			sb.Write(v.URL(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
