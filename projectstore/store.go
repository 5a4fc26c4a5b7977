// Package projectstore keeps named project snapshots in a local bbolt file.
package projectstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

var projectsBucket = []byte("projects")

// ErrNotFound is returned for unknown project names.
var ErrNotFound = errors.New("project not found")

// Store is a bbolt-backed snapshot store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open project store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(projectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init project store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores snap under name, replacing any previous version.
func (s *Store) Save(name string, snap timeline.Snapshot) error {
	if name == "" {
		return errors.New("project name is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode project %s: %w", name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucket).Put([]byte(name), raw)
	})
}

// Load returns the snapshot stored under name.
func (s *Store) Load(name string) (timeline.Snapshot, error) {
	var snap timeline.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(projectsBucket).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		// raw is only valid inside the transaction; Unmarshal copies.
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("decode project %s: %w", name, err)
		}
		return nil
	})
	return snap, err
}

// List returns the stored project names in order.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// Delete removes a project. Deleting an unknown name returns ErrNotFound.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(projectsBucket)
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return b.Delete([]byte(name))
	})
}
