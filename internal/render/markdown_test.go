package render

import (
	"strings"
	"testing"
)

func TestRenderPlain(t *testing.T) {
	r := New(false)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"text", "Echo: hi", "Echo: hi"},
		{"bold", "This is **bold** text", "This is bold text"},
		{"italic", "This is *italic* text", "This is italic text"},
		{"code span", "Use `go test` here", "Use go test here"},
		{"strike", "~~gone~~ now", "gone now"},
		{"heading", "### Section Title", "Section Title"},
		{"link", "[docs](https://example.com)", "docs (https://example.com)"},
		{"autolink", "<https://example.com>", "https://example.com"},
		{"ordered list", "3. one\n4. two", "3. one\n4. two"},
		{"bullet list", "- a\n- b", "• a\n• b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Render(tt.in); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderCodeBlock(t *testing.T) {
	got := New(false).Render("```go\nfunc main() {}\n```")
	if got != "func main() {}" {
		t.Errorf("got %q", got)
	}
}

func TestRenderParagraphs(t *testing.T) {
	got := New(false).Render("first\n\nsecond")
	if got != "first\n\nsecond" {
		t.Errorf("got %q", got)
	}
}

func TestRenderColored(t *testing.T) {
	got := New(true).Render("This is **bold**")
	if !strings.Contains(got, "\x1b[") {
		t.Errorf("expected ANSI escape, got %q", got)
	}
	if !strings.Contains(got, "bold") {
		t.Errorf("expected text preserved, got %q", got)
	}
}

func TestFaint(t *testing.T) {
	if got := New(false).Faint("typing"); got != "typing" {
		t.Errorf("got %q", got)
	}
}
