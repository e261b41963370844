// Package memory is an in-process document store used by tests and STORE_DRIVER=memory.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/drfirst/go-rxcollect/internal/store"
)

type document map[string]json.RawMessage

// Store keeps every collection in memory
type Store struct {
	mu          sync.Mutex
	collections map[string]*Collection
}

// New creates an empty store with all workflow collections
func New() *Store {
	s := &Store{collections: make(map[string]*Collection)}
	for _, name := range store.AllCollections {
		s.collections[name] = &Collection{name: name, unique: store.UniqueFields[name]}
	}
	return s
}

// Collection returns the named collection, creating it on first use
func (s *Store) Collection(name string) store.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &Collection{name: name, unique: store.UniqueFields[name]}
		s.collections[name] = c
	}
	return c
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *Store) Close(context.Context) error { return nil }

// Collection is a slice of JSON documents in insertion order
type Collection struct {
	mu     sync.RWMutex
	name   string
	unique []string
	docs   []document

	// FailWrites makes every write fail, for exercising side-effect error paths
	FailWrites error
}

func toDocument(v any) (document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return doc, nil
}

// Insert appends a document, enforcing id and unique-field uniqueness
func (c *Collection) Insert(_ context.Context, v any) error {
	doc, err := toDocument(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWrites != nil {
		return c.FailWrites
	}

	keys := append([]string{"id"}, c.unique...)
	for _, existing := range c.docs {
		for _, k := range keys {
			if raw, ok := doc[k]; ok && bytes.Equal(existing[k], raw) {
				return store.ErrDuplicate
			}
		}
	}
	c.docs = append(c.docs, doc)
	return nil
}

// FindOne decodes the first matching document
func (c *Collection) FindOne(_ context.Context, filter store.Filter, out any) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, out)
		}
	}
	return store.ErrNotFound
}

// Find decodes all matching documents into out
func (c *Collection) Find(_ context.Context, filter store.Filter, opts store.FindOptions, out any) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	matched := make([]document, 0)
	for i := range c.docs {
		idx := i
		if opts.NewestFirst {
			idx = len(c.docs) - 1 - i
		}
		if matches(c.docs[idx], filter) {
			matched = append(matched, c.docs[idx])
			if len(matched) == opts.EffectiveLimit() {
				break
			}
		}
	}
	raw, err := json.Marshal(matched)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Update merges fields into matching documents
func (c *Collection) Update(_ context.Context, filter store.Filter, fields store.Fields) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if err := fields.Validate(); err != nil {
		return 0, err
	}
	patch, err := toDocument(map[string]any(fields))
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWrites != nil {
		return 0, c.FailWrites
	}
	var n int64
	for _, doc := range c.docs {
		if !matches(doc, filter) {
			continue
		}
		for k, v := range patch {
			doc[k] = v
		}
		n++
	}
	return n, nil
}

// Count returns the number of matching documents
func (c *Collection) Count(_ context.Context, filter store.Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored documents
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

func matches(doc document, filter store.Filter) bool {
	for _, cond := range filter {
		raw, ok := doc[cond.Field]
		if !ok {
			raw = json.RawMessage("null")
		}
		switch cond.Op {
		case store.OpEq:
			if !equalJSON(raw, cond.Value) {
				return false
			}
		case store.OpIn:
			found := false
			for _, v := range cond.Values {
				if equalJSON(raw, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case store.OpBefore:
			var t time.Time
			if err := json.Unmarshal(raw, &t); err != nil || t.IsZero() {
				return false
			}
			if !t.Before(cond.Value.(time.Time)) {
				return false
			}
		}
	}
	return true
}

func equalJSON(raw json.RawMessage, v any) bool {
	want, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(raw, want)
}
