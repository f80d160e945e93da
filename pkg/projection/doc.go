// Package projection builds and maintains materialized read models on
// top of a dcb.EventStore: register a Definition, then either Rebuild it
// from the full log or run a Daemon that keeps it incrementally current.
package projection
