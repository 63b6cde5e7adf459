package contentstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Index maps a content hash to the storage-relative path holding it.
type Index interface {
	Get(hash string) (string, bool, error)
	Put(hash, rel string) error
	Delete(hash string) error
}

// IndexDB is an embedded bbolt database shared by every store in the
// process. Each store gets its own bucket through Scope.
type IndexDB struct {
	db *bolt.DB
}

type indexEntry struct {
	Path     string    `json:"path"`
	StoredAt time.Time `json:"storedAt"`
}

// OpenIndexDB opens (or creates) the bbolt file at path.
func OpenIndexDB(path string) (*IndexDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("contentstore: index path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("contentstore: open index %s: %w", path, err)
	}
	return &IndexDB{db: db}, nil
}

// Scope returns an Index backed by the named bucket, creating it if needed.
func (d *IndexDB) Scope(bucket string) (*BoltIndex, error) {
	name := []byte(strings.TrimSpace(bucket))
	if len(name) == 0 {
		return nil, fmt.Errorf("contentstore: index bucket name is required")
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("contentstore: create index bucket %s: %w", bucket, err)
	}
	return &BoltIndex{db: d.db, bucket: name}, nil
}

func (d *IndexDB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

type BoltIndex struct {
	db     *bolt.DB
	bucket []byte
}

func (i *BoltIndex) Get(hash string) (string, bool, error) {
	var entry indexEntry
	found := false
	err := i.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(i.bucket).Get([]byte(hash))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", false, err
	}
	if !found || entry.Path == "" {
		return "", false, nil
	}
	return entry.Path, true, nil
}

func (i *BoltIndex) Put(hash, rel string) error {
	encoded, err := json.Marshal(indexEntry{Path: rel, StoredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(i.bucket).Put([]byte(hash), encoded)
	})
}

func (i *BoltIndex) Delete(hash string) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(i.bucket).Delete([]byte(hash))
	})
}
