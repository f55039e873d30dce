// Package stores provides the SQLite invocation journal: every plugin
// invocation with its request, result and primitive outcomes, plus the
// latest facts each plugin reported.
package stores
