// Package auth guards the HTTP API with a single shared bearer token.
//
// The gateway has exactly one caller identity: whoever holds the configured
// token. There are no users, roles, or sessions. When no token is configured
// the guard admits everything, which suits local development; deployments
// that listen beyond loopback should set one.
//
// Health and webhook endpoints are mounted outside the guard. Webhooks are
// authenticated by their platform signatures (for example Slack's signing
// secret), and health checks must work for probes that have no credentials.
package auth
