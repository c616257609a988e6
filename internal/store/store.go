// Package store contains the durable record store behind the chat service.
//
// It keeps two collections, "users" and "messages", each a slice of schemaless
// records held in memory and serialized to a JSON array file in the data
// directory. Every successful mutation rewrites the collection file through a
// temp-file-plus-rename so a crash mid-write leaves the previous file intact.
//
// Each collection has its own exclusive lock. Readers take the lock too and
// receive copies of the matching records, so callers can never observe a
// record mid-mutation.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Collection names.
const (
	Users    = "users"
	Messages = "messages"
)

// IDField is the opaque per-record identifier assigned on insert.
const IDField = "_id"

// Record is one stored document. Values survive a round-trip through the
// on-disk format: strings, numbers, booleans, nil, and []byte (which is
// encoded as a tagged base64 object, see codec.go).
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type collection struct {
	mu   sync.Mutex
	path string
	recs []Record
}

// Store is the two-collection record store. Safe for concurrent use.
type Store struct {
	dataDir     string
	collections map[string]*collection
	logger      zerolog.Logger
}

// Open creates or loads a store rooted at dataDir. Missing collection files
// are created empty; existing ones are loaded into memory.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		collections: map[string]*collection{
			Users:    {path: filepath.Join(dataDir, "users.json")},
			Messages: {path: filepath.Join(dataDir, "messages.json")},
		},
		logger: logger.With().Str("component", "store").Logger(),
	}

	for name, c := range s.collections {
		recs, err := loadCollection(c.path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		c.recs = recs
		s.logger.Debug().Str("collection", name).Int("records", len(recs)).Msg("collection loaded")
	}
	return s, nil
}

func (s *Store) collection(name string) (*collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}
	return c, nil
}

// Insert appends rec to the named collection, assigning an id if absent, and
// persists the collection. Returns the record id.
func (s *Store) Insert(name string, rec Record) (string, error) {
	c, err := s.collection(name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec = rec.Clone()
	id, ok := rec[IDField].(string)
	if !ok || id == "" {
		// V7 ids are time-ordered, so ids stay monotonic within a process.
		id = uuid.Must(uuid.NewV7()).String()
		rec[IDField] = id
	}

	c.recs = append(c.recs, rec)
	if err := saveCollection(c.path, c.recs); err != nil {
		c.recs = c.recs[:len(c.recs)-1]
		s.logger.Error().Err(err).Str("collection", name).Msg("persist failed")
		return "", fmt.Errorf("persist %s: %w", name, err)
	}
	return id, nil
}

// Read returns a copy of every record matching pred. An empty predicate
// matches everything.
func (s *Store) Read(name string, pred Predicate) ([]Record, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Record
	for _, rec := range c.recs {
		if pred.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Update overwrites the given fields on every record matching pred and
// persists the collection. Returns the number of records mutated; an update
// that matches nothing is not an error.
func (s *Store) Update(name string, pred Predicate, set map[string]any) (int, error) {
	c, err := s.collection(name)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	modified := 0
	for i, rec := range c.recs {
		if !pred.matches(rec) {
			continue
		}
		next := rec.Clone()
		for k, v := range set {
			next[k] = v
		}
		c.recs[i] = next
		modified++
	}

	if modified > 0 {
		if err := saveCollection(c.path, c.recs); err != nil {
			s.logger.Error().Err(err).Str("collection", name).Msg("persist failed")
			return 0, fmt.Errorf("persist %s: %w", name, err)
		}
	}
	return modified, nil
}

// Delete removes every record matching pred and persists the collection.
// Returns the number of records removed.
func (s *Store) Delete(name string, pred Predicate) (int, error) {
	c, err := s.collection(name)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.recs[:0:0]
	for _, rec := range c.recs {
		if !pred.matches(rec) {
			kept = append(kept, rec)
		}
	}
	deleted := len(c.recs) - len(kept)
	if deleted == 0 {
		return 0, nil
	}

	prev := c.recs
	c.recs = kept
	if err := saveCollection(c.path, c.recs); err != nil {
		c.recs = prev
		s.logger.Error().Err(err).Str("collection", name).Msg("persist failed")
		return 0, fmt.Errorf("persist %s: %w", name, err)
	}
	return deleted, nil
}

// Count returns the number of records currently in the collection.
func (s *Store) Count(name string) (int, error) {
	c, err := s.collection(name)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs), nil
}
