package terminal

import (
	"github.com/charmbracelet/glamour"
)

// Renderer renders markdown, such as the resolver's reasoning, for the terminal
type Renderer struct {
	term *glamour.TermRenderer
}

// NewRenderer creates a Renderer wrapping at width columns
func NewRenderer(width int) (*Renderer, error) {
	term, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}

	return &Renderer{term: term}, nil
}

// Render renders markdown, falling back to the raw text on failure
func (r *Renderer) Render(markdown string) string {
	if r == nil || r.term == nil {
		return markdown
	}
	out, err := r.term.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}
