package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// keyMap defines key bindings for the TUI
type keyMap struct {
	Up      key
	Down    key
	Pause   key
	Resume  key
	Cancel  key
	Refresh key
	Details key
	Help    key
	Quit    key
}

// key represents a key binding with help text
type key struct {
	tea.Key
	help string
}

// shortHelp returns key bindings for short help view
func (k keyMap) shortHelp() []key {
	return []key{k.Pause, k.Resume, k.Cancel, k.Details, k.Quit}
}

// fullHelp returns all key bindings for full help view
func (k keyMap) fullHelp() []key {
	return []key{
		k.Up, k.Down,
		k.Pause, k.Resume, k.Cancel,
		k.Refresh, k.Details, k.Help, k.Quit,
	}
}

// helpView generates the help view
func (k keyMap) helpView() helpWrapper {
	return helpWrapper{
		keyMap: k,
	}
}

// helpWrapper wraps the keyMap for help display
type helpWrapper struct {
	keyMap keyMap
}

// String returns the help text
func (h helpWrapper) String() string {
	var s string
	for _, k := range h.keyMap.fullHelp() {
		if k.help != "" {
			s += k.Key.String() + " " + k.help + "\n"
		}
	}
	return s
}

// View returns the help view
func (h helpWrapper) View() string {
	var s string
	for _, k := range h.keyMap.shortHelp() {
		s += "[" + k.Key.String() + "] " + k.help + "  "
	}
	return s
}

// defaultKeyMap creates the default key bindings
func defaultKeyMap() keyMap {
	return keyMap{
		Up: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'k'}},
			help: "up",
		},
		Down: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'j'}},
			help: "down",
		},
		Pause: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'p'}},
			help: "pause",
		},
		Resume: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'r'}},
			help: "resume",
		},
		Cancel: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'c'}},
			help: "cancel",
		},
		Refresh: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'R'}},
			help: "refresh",
		},
		Details: key{
			Key:  tea.Key{Type: tea.KeyEnter},
			help: "details",
		},
		Help: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'?'}},
			help: "help",
		},
		Quit: key{
			Key:  tea.Key{Type: tea.KeyRunes, Runes: []rune{'q'}},
			help: "quit",
		},
	}
}

// matches reports whether msg is this binding
func (k key) matches(msg tea.KeyMsg) bool {
	return msg.String() == k.Key.String()
}
