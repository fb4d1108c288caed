// ABOUTME: Package gateway is the HTTP surface of flint-gateway.
// ABOUTME: It serves the /v1 API, SSE turn streaming, channel webhooks, and metrics.

// Package gateway exposes the engine over HTTP.
//
// The route table is small: /v1/health (open), /v1/threads and its
// sub-routes (bearer-guarded when auth.token is set), /webhooks/{name}
// (open; adapters verify their own signatures), and an optional
// Prometheus /metrics endpoint. POST turn routes stream SSE when the
// caller sends Accept: text/event-stream, otherwise they block and
// return the final reply as JSON.
//
// Run serves on a local TCP listener, a tsnet (Tailscale) listener, or
// both, and owns graceful shutdown: drain HTTP, close the tailnet node,
// then close every agent runtime.
package gateway
