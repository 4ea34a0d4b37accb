package citytwin

import (
	"encoding/json"
	"reflect"
	"slices"
)

// An Entity is a record identified by a key unique within its collection. Clone
// returns a deep, independent copy of the record.
type Entity[T any] interface {
	Key() string
	Clone() T
}

// Collection is an ordered set of entities indexed by their key. It serialises
// as a JSON array, in insertion order, so that consumers see the same shape the
// dashboards expect while lookups stay constant-time.
//
// The zero-value Collection is empty and ready for use. A Collection is not
// safe for concurrent use.
type Collection[T Entity[T]] struct {
	items []T
	index map[string]int
}

// Get returns the entity stored under key.
func (c *Collection[T]) Get(key string) (T, bool) {
	i, ok := c.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// Put inserts v, or replaces the entity with the same key in place.
func (c *Collection[T]) Put(v T) {
	if c.index == nil {
		c.index = make(map[string]int)
	}
	k := v.Key()
	if i, ok := c.index[k]; ok {
		c.items[i] = v
		return
	}
	c.index[k] = len(c.items)
	c.items = append(c.items, v)
}

// Upsert returns the entity stored under key, creating it with create when it
// does not exist yet.
func (c *Collection[T]) Upsert(key string, create func() T) T {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := create()
	c.Put(v)
	return v
}

// UpsertSorted is like Upsert, but a created entity is inserted before the
// first entity whose key sorts after key. A collection filled only through
// UpsertSorted stays in key order whatever order the keys arrive in.
func (c *Collection[T]) UpsertSorted(key string, create func() T) T {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := create()
	i := slices.IndexFunc(c.items, func(e T) bool { return e.Key() > key })
	if i < 0 {
		c.Put(v)
		return v
	}
	c.items = slices.Insert(c.items, i, v)
	if c.index == nil {
		c.index = make(map[string]int)
	}
	c.reindex()
	return v
}

// Remove deletes the entity stored under key, preserving the order of the
// remaining entities. It reports whether an entity was removed.
func (c *Collection[T]) Remove(key string) bool {
	i, ok := c.index[key]
	if !ok {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	c.reindex()
	return true
}

// RemoveFunc deletes every entity for which drop returns true and returns the
// keys of the removed entities.
func (c *Collection[T]) RemoveFunc(drop func(T) bool) []string {
	var removed []string
	c.items = slices.DeleteFunc(c.items, func(v T) bool {
		if drop(v) {
			removed = append(removed, v.Key())
			return true
		}
		return false
	})
	if len(removed) > 0 {
		c.reindex()
	}
	return removed
}

// Len returns the number of entities.
func (c *Collection[T]) Len() int { return len(c.items) }

// All returns the entities in insertion order. The slice is shared with the
// collection and must not be modified.
func (c *Collection[T]) All() []T { return c.items }

// Keys returns the entity keys in insertion order.
func (c *Collection[T]) Keys() []string {
	keys := make([]string, len(c.items))
	for i, v := range c.items {
		keys[i] = v.Key()
	}
	return keys
}

// Clone returns a deep copy of the collection.
func (c *Collection[T]) Clone() Collection[T] {
	if len(c.items) == 0 {
		return Collection[T]{}
	}
	out := Collection[T]{
		items: make([]T, len(c.items)),
		index: make(map[string]int, len(c.items)),
	}
	for i, v := range c.items {
		out.items[i] = v.Clone()
		out.index[v.Key()] = i
	}
	return out
}

func (c *Collection[T]) reindex() {
	clear(c.index)
	for i, v := range c.items {
		c.index[v.Key()] = i
	}
}

// MarshalJSON encodes the collection as an array. An empty collection encodes
// as [] rather than null.
func (c Collection[T]) MarshalJSON() ([]byte, error) {
	if c.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.items)
}

// UnmarshalJSON decodes an array of entities. Null elements are skipped and a
// repeated key keeps the last occurrence.
func (c *Collection[T]) UnmarshalJSON(b []byte) error {
	var items []T
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	*c = Collection[T]{}
	for _, v := range items {
		if isNil(v) {
			continue
		}
		c.Put(v)
	}
	return nil
}

func isNil[T any](v T) bool {
	rv := reflect.ValueOf(v)
	return !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil())
}
