// Package session owns conversation state for the daemon. Each session
// holds its history, a bounded event log, and a single concurrency
// slot: at most one turn runs at a time, submissions against a running
// turn are rejected rather than queued, and all access goes through the
// Manager so history has exactly one writer.
package session
