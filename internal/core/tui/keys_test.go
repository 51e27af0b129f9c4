package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestKeyMap_Help(t *testing.T) {
	km := defaultKeyMap()

	helpText := km.helpView().String()
	if helpText == "" {
		t.Error("Expected help to be generated")
	}

	for _, action := range []string{"pause", "resume", "cancel"} {
		if !strings.Contains(helpText, action) {
			t.Errorf("Expected help to contain %q", action)
		}
	}
	if !strings.Contains(km.helpView().View(), "[p] pause") {
		t.Errorf("Expected short help to show the pause key, got %q", km.helpView().View())
	}
}

func TestKeyMap_Bindings(t *testing.T) {
	km := defaultKeyMap()

	tests := []struct {
		name string
		key  key
		msg  tea.KeyMsg
	}{
		{"pause", km.Pause, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}}},
		{"resume", km.Resume, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}}},
		{"cancel", km.Cancel, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}}},
		{"refresh", km.Refresh, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'R'}}},
		{"details", km.Details, tea.KeyMsg{Type: tea.KeyEnter}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.key.matches(tt.msg) {
				t.Errorf("Expected %s binding to match %q", tt.name, tt.msg.String())
			}
		})
	}

	if km.Resume.matches(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'R'}}) {
		t.Error("Expected resume and refresh to be distinct")
	}
}
