// Package dcb is the low-level event log: Open a store context, Append
// batches under an optional AppendCondition, and Read them back by tag or
// event type. See package projection for building materialized read
// models on top of it.
package dcb
