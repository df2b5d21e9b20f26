// Package server hosts the upload, playback, and billing API from a single
// HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// security headers, audit, metrics, and rate limiting so handlers all share
// common protections and instrumentation.
package server
