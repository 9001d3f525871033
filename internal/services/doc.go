// Package services talks to the hosted backend: authentication, table access and change notifications.
//
// # Interfaces
//
//   - [AuthService] : redirect-based sign-in with PKCE, refresh, identity lookup and sign-out
//   - [TableService] : select, insert and delete on a table, scoped to the caller by the backend
//   - [RealtimeService] : a callback per row mutation until [Subscription.Unsubscribe]
//
// # Supabase Implementation
//
// [APIService] is the raw HTTP transport. It attaches the project key to every request and, when
// given an [oauth2.TokenSource], the current session's access token as the bearer. Requests without
// a session fall back to the project key.
//
// [SupabaseAuth] speaks GoTrue under /auth/v1, [RESTService] speaks PostgREST under /rest/v1 and
// [RealtimeClient] joins a Phoenix channel on /realtime/v1/websocket.
//
// # Postgres Implementation
//
// [PostgresService] connects to the database directly. Every call runs in a transaction that sets
// request.jwt.claims from the access token and assumes the configured role, so the row level
// security policies created by [BookmarksSchema] apply exactly as they do through the REST API.
// [PostgresListener] receives the rows' change notifications over LISTEN/NOTIFY.
//
// # Error Handling
//
// Backend failures surface as [*APIError], which unwraps to the shared sentinels:
//   - [shared.ErrNotAuthenticated] : 401, missing or rejected token
//   - [shared.ErrPermissionDenied] : 403 or a row level security violation
//   - [shared.ErrServiceUnavailable] : transport failure, 502 or 503
//   - [shared.ErrAPIRequest] : anything else
package services
