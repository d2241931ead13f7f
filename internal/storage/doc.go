// Package storage persists the shutdown schedule and its audit trail.
//
// It holds:
//   - a handful of small keyed blobs (the active rule, the armed token set)
//   - an append-only audit log of occurrence outcomes
package storage
