// Package server provides the routing, middleware and sign-in callback handling used by the local HTTP listeners.
//
// # Router Infrastructure
//
// [BasicRouter] registers the GET routes of a [Handler] on [http.ServeMux], so a wrong method gets a 405
// from the mux. [Middleware] is applied with the first added outermost.
//
// # Middleware
//
// [RequestLogger] and [Recoverer] are shared with the web UI. [SameOrigin] rejects state-changing
// requests that a browser reports as coming from another site.
//
// # Sign-In Callback
//
// [OAuthHandler] receives the redirect from the auth provider during a terminal sign-in.
// It reads state and code, hands them to an [Exchanger] (the session manager's CompleteSignIn),
// which rejects unknown state and trades the code for a session, and sends the outcome through [OAuthHandler.Result].
//
// Only the first callback is processed, preventing replay.
//
// [LocalSignIn] is the terminal flow: it binds a temporary listener on the configured server address,
// opens the browser at the authorize URL, waits for the result or a timeout and shuts the listener down.
// The web UI (internal/web) routes the same callback through its own chi router instead.
package server
