// Package models defines the domain entities shared by the backend clients, the bookmark store and the views.
//
// The package contains three groups of types:
//
//  1. Rows mirrored from the hosted backend
//     - [Bookmark] : a saved link owned by one user
//     - [NewBookmark] : the insert payload; the server assigns id and created_at
//
//  2. Identity
//     - [User] : the authenticated identity and its provider metadata
//     - [Session] : tokens for a [User], created on sign-in and cleared on sign-out
//
//  3. Change notifications
//     - [ChangeEvent] : one row mutation pushed by the backend
//     - [EventMask] : the set of [EventKind] values a subscription wants
//
// Nothing in this package talks to the network; validation is limited to non-empty checks via [Validate].
package models
