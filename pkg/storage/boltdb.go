package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openforcefield/bespoke-executor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSubmissions = []byte("sub")
	bucketCache        = []byte("cache")
	bucketBlobs        = []byte("blobs") // generic namespaced key/value; used by the queue's queue/... keys
	bucketCounters     = []byte("counters")
)

const submissionIDCounterKey = "submission_id"

// BoltStore implements Store using go.etcd.io/bbolt, adapted from the
// teacher's bucket-per-entity layout (pkg/storage/boltdb.go).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed Result Store
// rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bespoke.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSubmissions, bucketCache, bucketBlobs, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func submissionKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// PutSubmission writes the submission document, length-prefixed per
// spec.md §6.3.
func (s *BoltStore) PutSubmission(sub *types.Submission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions)
		data, err := lengthPrefixedJSON(sub)
		if err != nil {
			return err
		}
		return b.Put(submissionKey(sub.ID), data)
	})
}

// GetSubmission reads a submission by id.
func (s *BoltStore) GetSubmission(id int64) (*types.Submission, error) {
	var sub types.Submission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions)
		data := b.Get(submissionKey(id))
		if data == nil {
			return fmt.Errorf("submission not found: %d", id)
		}
		return unmarshalLengthPrefixed(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeleteSubmission removes a submission document.
func (s *BoltStore) DeleteSubmission(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmissions).Delete(submissionKey(id))
	})
}

// ListSubmissions returns a status-filtered, cursor-paged list of
// submissions, keyed by unpadded decimal submission id. bbolt orders
// keys lexicographically ("10" before "9"), so results are sorted by
// numeric id before paging.
func (s *BoltStore) ListSubmissions(status types.SubmissionStatus, cursor string, limit int) ([]*types.Submission, string, error) {
	var all []*types.Submission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions)
		return b.ForEach(func(k, v []byte) error {
			var sub types.Submission
			if err := unmarshalLengthPrefixed(v, &sub); err != nil {
				return err
			}
			if status != "" && sub.Status != status {
				return nil
			}
			all = append(all, &sub)
			return nil
		})
	})
	if err != nil {
		return nil, "", err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := 0
	if cursor != "" {
		cursorID, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		for i, sub := range all {
			if sub.ID > cursorID {
				start = i
				break
			}
			start = i + 1
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) {
		next = strconv.FormatInt(page[len(page)-1].ID, 10)
	}
	return page, next, nil
}

// ListNonTerminalSubmissions returns every submission whose aggregate
// status is not yet terminal, for boot-time orchestrator resumption.
func (s *BoltStore) ListNonTerminalSubmissions() ([]*types.Submission, error) {
	var out []*types.Submission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions)
		return b.ForEach(func(k, v []byte) error {
			var sub types.Submission
			if err := unmarshalLengthPrefixed(v, &sub); err != nil {
				return err
			}
			if !sub.Status.Terminal() {
				out = append(out, &sub)
			}
			return nil
		})
	})
	return out, err
}

// NextSubmissionID atomically allocates the next monotonically
// increasing submission id.
func (s *BoltStore) NextSubmissionID() (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		cur := b.Get([]byte(submissionIDCounterKey))
		var n int64
		if cur != nil {
			n = int64(binary.BigEndian.Uint64(cur))
		}
		n++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		if err := b.Put([]byte(submissionIDCounterKey), buf); err != nil {
			return err
		}
		id = n
		return nil
	})
	return id, err
}

// PutCacheEntry inserts a Cache Entry (never mutated thereafter).
func (s *BoltStore) PutCacheEntry(entry *types.CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		data, err := lengthPrefixedJSON(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.Fingerprint), data)
	})
}

// GetCacheEntry looks up a Cache Entry by fingerprint.
func (s *BoltStore) GetCacheEntry(fingerprint string) (*types.CacheEntry, bool, error) {
	var entry types.CacheEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		found = true
		return unmarshalLengthPrefixed(data, &entry)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &entry, true, nil
}

// Put writes a namespaced blob (stage/, task/, lease/, queue/...).
func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), lengthPrefix(value))
	})
}

// CompareAndSwap atomically replaces key's value iff its current
// value matches oldValue (nil oldValue means "must not exist").
func (s *BoltStore) CompareAndSwap(key string, oldValue, newValue []byte) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		cur := b.Get([]byte(key))
		var curVal []byte
		if cur != nil {
			v, err := unLengthPrefix(cur)
			if err != nil {
				return err
			}
			curVal = v
		}
		if oldValue == nil {
			if curVal != nil {
				return nil
			}
		} else if !bytes.Equal(curVal, oldValue) {
			return nil
		}
		ok = true
		return b.Put([]byte(key), lengthPrefix(newValue))
	})
	return ok, err
}

// Get reads a namespaced blob.
func (s *BoltStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		v, err := unLengthPrefix(data)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, found, err
}

// Delete removes a namespaced blob.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}

// ScanPrefix returns every key/value pair under prefix.
func (s *BoltStore) ScanPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			value, err := unLengthPrefix(v)
			if err != nil {
				return err
			}
			out[string(k)] = value
		}
		return nil
	})
	return out, err
}

// lengthPrefix writes a uvarint length header before value, matching
// spec.md §6.3 ("All values are length-prefixed JSON").
func lengthPrefix(value []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(value)))
	out := make([]byte, 0, n+len(value))
	out = append(out, buf[:n]...)
	out = append(out, value...)
	return out
}

func unLengthPrefix(data []byte) ([]byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("corrupt length-prefixed value")
	}
	if uint64(len(data)-n) < length {
		return nil, fmt.Errorf("corrupt length-prefixed value: short read")
	}
	return data[n : n+int(length)], nil
}

func lengthPrefixedJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return lengthPrefix(data), nil
}

func unmarshalLengthPrefixed(data []byte, v any) error {
	payload, err := unLengthPrefix(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
