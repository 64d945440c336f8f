// Package httpserver exposes the bus over HTTP: a long-poll endpoint per
// client, a publish endpoint, health, and privileged diagnostics. Identity
// and tenancy come from pluggable hooks so the embedding application decides
// authentication.
package httpserver
