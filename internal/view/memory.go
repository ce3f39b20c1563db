package view

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type memoryCollection struct {
	order []string
	docs  map[string]Document
}

// MemoryStore keeps the view in process memory, in insertion order
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

// NewMemoryStore creates an empty in-memory view
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]*memoryCollection{}}
}

func (m *MemoryStore) collection(name string) *memoryCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memoryCollection{docs: map[string]Document{}}
		m.collections[name] = c
	}
	return c
}

func copyDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (f Filter) matches(doc Document) bool {
	for k, want := range f {
		got, ok := doc[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) Insert(ctx context.Context, collection, id string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	c := m.collection(collection)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = copyDoc(doc)
	return nil
}

func (m *MemoryStore) UpdateOne(ctx context.Context, collection string, filter Filter, patch Document) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	for _, id := range c.order {
		doc := c.docs[id]
		if !filter.matches(doc) {
			continue
		}
		for k, v := range patch {
			doc[k] = v
		}
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	kept := c.order[:0]
	var deleted int64
	for _, id := range c.order {
		if filter.matches(c.docs[id]) {
			delete(c.docs, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return deleted, nil
}

func (m *MemoryStore) Distinct(ctx context.Context, collection, field string) ([]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collection]
	if !ok {
		return []interface{}{}, nil
	}

	seen := map[string]bool{}
	values := []interface{}{}
	for _, id := range c.order {
		v, ok := c.docs[id][field]
		if !ok || v == nil {
			continue
		}
		key := fmt.Sprint(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		values = append(values, v)
	}
	return values, nil
}

func (m *MemoryStore) Find(ctx context.Context, collection string, filter Filter, fields []string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := []Document{}
	c, ok := m.collections[collection]
	if !ok {
		return docs, nil
	}

	for _, id := range c.order {
		doc := c.docs[id]
		if !filter.matches(doc) {
			continue
		}
		if len(fields) == 0 {
			docs = append(docs, copyDoc(doc))
			continue
		}
		projected := Document{}
		for _, f := range fields {
			if v, ok := doc[f]; ok {
				projected[f] = v
			}
		}
		docs = append(docs, projected)
	}
	return docs, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Count returns the number of documents in a collection
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.collections[collection]; ok {
		return len(c.order)
	}
	return 0
}
