// Package storage implements the Result Store (spec.md §4.6): a
// durable key/value area holding fingerprint -> stage-output blobs and
// submission -> state documents, keyed per the §6.3 prefix layout.
package storage

import "github.com/openforcefield/bespoke-executor/pkg/types"

// Store is the Result Store contract: atomic write, atomic
// compare-and-set, range scan by key prefix, durable across restart.
type Store interface {
	// Submissions
	PutSubmission(sub *types.Submission) error
	GetSubmission(id int64) (*types.Submission, error)
	ListSubmissions(status types.SubmissionStatus, cursor string, limit int) ([]*types.Submission, string, error)
	NextSubmissionID() (int64, error)
	DeleteSubmission(id int64) error

	// ListNonTerminalSubmissions is scanned on boot to resume orchestrators.
	ListNonTerminalSubmissions() ([]*types.Submission, error)

	// Cache entries
	PutCacheEntry(entry *types.CacheEntry) error
	GetCacheEntry(fingerprint string) (*types.CacheEntry, bool, error)

	// Generic blob access backing the queue's durable log and any
	// other length-prefixed-JSON value under a namespaced key.
	Put(key string, value []byte) error
	// CompareAndSwap atomically replaces key's value with newValue only
	// if its current value equals oldValue (oldValue == nil means "key
	// must not currently exist").
	CompareAndSwap(key string, oldValue, newValue []byte) (bool, error)
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// ScanPrefix returns all key/value pairs whose key starts with
	// prefix, as a map (which carries no order).
	ScanPrefix(prefix string) (map[string][]byte, error)

	Close() error
}
