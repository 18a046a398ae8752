// Package metrics serves health, transport metrics and diagnostics over HTTP.
//
// Endpoints:
//   - /health: overall status plus component pings (503 when unhealthy)
//   - metrics path (default /metrics): JSON snapshot of realtime.Metrics
//   - /debug/diagnostics: plain-text connection report
//
// Handlers only read published snapshots, so they never touch the sync loop.
package metrics
