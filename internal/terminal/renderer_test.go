package terminal

import (
	"testing"
)

func TestRenderer_Render(t *testing.T) {
	renderer, err := NewRenderer(80)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	markdown := "**Reasoning:** list the files with `ls -la`, a read-only command."

	rendered := renderer.Render(markdown)
	if rendered == "" {
		t.Error("Expected non-empty rendered output")
	}
}

func TestRenderer_NilFallsBack(t *testing.T) {
	var renderer *Renderer

	if got := renderer.Render("plain"); got != "plain" {
		t.Errorf("Expected raw text, got %q", got)
	}
}
