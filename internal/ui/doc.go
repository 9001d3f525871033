// Package ui implements the terminal bookmark manager using bubbletea's Elm architecture.
//
// The TUI has two screens, driven by [state.State]:
//  1. Sign-in : a single control that starts the browser sign-in
//  2. Bookmarks : the add form (title and URL inputs) above the list of the user's bookmarks
//
// The [Model] implements bubbletea's Init/Update/View pattern. View state only changes through [state.Reduce];
// the model translates key presses and backend results into actions.
//
// Session and store notifications arrive on other goroutines. They are queued in an inbox and delivered
// to Update one at a time in the order they happened, so a late list never lands before the sign-in that
// produced it.
//
// Keys: enter signs in or adds, tab cycles focus, d deletes, o opens in the browser, r refreshes,
// ctrl+x signs out and q quits. Contextual help is rendered with charmbracelet/bubbles/help.
package ui
