package ui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the [key.Binding] mapping for the TUI.
type keyMap struct {
	signIn  key.Binding
	next    key.Binding
	submit  key.Binding
	remove  key.Binding
	open    key.Binding
	refresh key.Binding
	dismiss key.Binding
	signOut key.Binding
	quit    key.Binding
	force   key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		signIn:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "sign in")),
		next:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next field")),
		submit:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "add")),
		remove:  key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete")),
		open:    key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "open")),
		refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		dismiss: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "dismiss")),
		signOut: key.NewBinding(key.WithKeys("ctrl+x"), key.WithHelp("ctrl+x", "sign out")),
		quit:    key.NewBinding(key.WithKeys("q"), key.WithHelp("q", "quit")),
		force:   key.NewBinding(key.WithKeys("ctrl+c")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.next, k.signOut, k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.next, k.submit},
		{k.remove, k.open, k.refresh},
		{k.dismiss, k.signOut, k.quit},
	}
}
