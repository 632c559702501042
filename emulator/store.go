// Package emulator is a small in-process stand-in for a document database
// that exposes the bulkUpload and bulkDelete stored procedures over the
// framed wire protocol. Documents are persisted with bbolt.
package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
	bolt "go.etcd.io/bbolt"
)

// ErrConflict is returned when a document id already exists in its partition.
var ErrConflict = errors.New("document already exists")

// ErrMissingID is returned for documents without a string id.
var ErrMissingID = errors.New("document has no id")

// Store keeps documents in one top-level bucket per database/container, with
// a nested bucket per partition. Partition buckets are named by the xxhash64
// of the partition key.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the bbolt file at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path is the location of the underlying file.
func (s *Store) Path() string {
	return s.db.Path()
}

// Partition addresses the documents sharing one partition key.
type Partition struct {
	Database  string
	Container string
	Key       string
}

func (p Partition) containerBucket() []byte {
	return []byte(p.Database + "/" + p.Container)
}

func (p Partition) partitionBucket() []byte {
	return []byte(strconv.FormatUint(xxhash.Sum64([]byte(p.Key)), 16))
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%s[%s]", p.Database, p.Container, p.Key)
}

// Insert creates up to limit documents from docs in a single transaction and
// returns how many were written. A duplicate id rolls the whole call back.
// A limit of zero or less writes every document.
func (s *Store) Insert(p Partition, docs []json.RawMessage, limit int) (int, error) {
	n := len(docs)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		parent, err := tx.CreateBucketIfNotExists(p.containerBucket())
		if err != nil {
			return err
		}
		b, err := parent.CreateBucketIfNotExists(p.partitionBucket())
		if err != nil {
			return err
		}

		for i, doc := range docs[:n] {
			id, err := documentID(doc)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			if b.Get([]byte(id)) != nil {
				return fmt.Errorf("%w: id %q in %s", ErrConflict, id, p)
			}
			if err := b.Put([]byte(id), doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Get returns the document stored under id, or nil when there is none.
func (s *Store) Get(p Partition, id string) (json.RawMessage, error) {
	var doc json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := partition(tx, p)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(id)); v != nil {
			doc = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	return doc, err
}

// Count returns the number of documents in a partition.
func (s *Store) Count(p Partition) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := partition(tx, p); b != nil {
			count = b.Stats().KeyN
		}
		return nil
	})
	return count, err
}

// DeleteMatching removes up to limit documents accepted by f and reports
// whether matching documents remain.
func (s *Store) DeleteMatching(p Partition, f Filter, limit int) (deleted int, more bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := partition(tx, p)
		if b == nil {
			return nil
		}

		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ok, err := f.Match(v)
			if err != nil {
				return fmt.Errorf("document %q: %w", k, err)
			}
			if !ok {
				continue
			}
			if limit > 0 && len(keys) == limit {
				more = true
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return deleted, more, nil
}

func partition(tx *bolt.Tx, p Partition) *bolt.Bucket {
	parent := tx.Bucket(p.containerBucket())
	if parent == nil {
		return nil
	}
	return parent.Bucket(p.partitionBucket())
}

func documentID(doc json.RawMessage) (string, error) {
	var head struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return "", fmt.Errorf("decode document: %w", err)
	}
	if head.ID == nil || *head.ID == "" {
		return "", ErrMissingID
	}
	return *head.ID, nil
}
