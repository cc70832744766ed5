// Package emissionlog keeps a hash-chained record of every message the proof
// stream emitted, so an operator can later show which proofs and retractions
// subscribers were sent and in what order.
//
// The chain begins with a genesis entry whose Hash equals GenesisHash. Every
// later entry commits to its predecessor's hash, making any rewrite of the
// history detectable via Verify.
//
// Three implementations of Log are provided:
//   - MemoryLog: in-process, for tests and single-process deployments.
//   - PostgresLog: durable, shared between replicas.
//   - LevelDBLog: durable, embedded.
package emissionlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for an index past the chain tip.
var ErrNotFound = errors.New("emission log entry not found")

// Log is the append-only emission chain.
type Log interface {
	// Append chains a new entry for rec.
	Append(ctx context.Context, rec Record) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// List returns up to limit entries starting at index from.
	List(ctx context.Context, from, limit int) ([]*Entry, error)

	// Len returns the number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)

	Close() error
}
