// Package api provides a REST client for the hosted task table.
//
// The backend exposes PostgREST-style endpoints:
//   - GET   /tasks?select=...&user_id=eq.{id}&is_pinned=eq.true&order=...
//   - PATCH /tasks?id=eq.{task}&user_id=eq.{id}
//
// Client.Query implements polling.Source. Pin and Unpin are the mutations a
// caller issues before asking the sync layer to refresh.
package api
