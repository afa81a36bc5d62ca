// Package store defines interfaces for persistence dependencies that sit
// outside the crawler ports (e.g. the per-page audit log). Implementations
// live in other packages; this package must not import database drivers or
// concrete clients.
package store
