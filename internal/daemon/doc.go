// Package daemon exposes the session manager over a small JSON HTTP
// facade: session lifecycle routes, non-blocking event polling, a
// websocket stream with backlog replay, and Prometheus metrics. The
// daemon binds loopback by default; serving on any other interface
// requires a token or an explicit insecure opt-in at config time.
package daemon
