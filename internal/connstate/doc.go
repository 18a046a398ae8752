// Package connstate tracks the health of the pin sync connection.
//
// A Manager is a pure state container: mode, status, latency-derived quality
// and a stability score, plus a bounded history of every change. It does no
// I/O. Metrics and the diagnostic report are derived from history on demand.
package connstate
