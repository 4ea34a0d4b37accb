package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"gocloud.dev/docstore"
	"gocloud.dev/gcerrors"
)

var (
	// ErrExists is returned when creating a snapshot whose id is already taken.
	ErrExists = errors.New("snapshot already exists")
	// ErrNotFound is returned when no snapshot matches a query.
	ErrNotFound = errors.New("snapshot not found")
)

// Document is an immutable, versioned copy of the whole city state.
type Document struct {
	ID        string    `docstore:"id"`
	Version   int64     `docstore:"version"`
	Timestamp time.Time `docstore:"timestamp"`
	Hash      string    `docstore:"hash"`
	// State is the JSON encoding of the city.
	State []byte `docstore:"state"`
}

// City decodes the state held by the document.
func (d *Document) City() (*citytwin.City, error) {
	city := new(citytwin.City)
	if err := json.Unmarshal(d.State, city); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", d.ID, err)
	}
	return city, nil
}

// MarshalJSON embeds the state as a JSON object rather than base64 bytes.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string          `json:"id"`
		Version   int64           `json:"version"`
		Timestamp time.Time       `json:"timestamp"`
		Hash      string          `json:"hash"`
		State     json.RawMessage `json:"state"`
	}{d.ID, d.Version, d.Timestamp, d.Hash, json.RawMessage(d.State)})
}

// Store keeps snapshot documents in a docstore collection keyed by "id".
//
// Documents are write-once: Store exposes no way to replace or delete one.
type Store struct {
	coll *docstore.Collection
}

// NewStore returns a Store backed by coll. The collection's key field must be
// "id".
func NewStore(coll *docstore.Collection) *Store {
	return &Store{coll: coll}
}

// OpenStore opens the docstore collection at url, such as
// "mem://snapshots/id" or "mongo://citytwin/snapshots?id_field=id".
func OpenStore(ctx context.Context, url string) (*Store, error) {
	coll, err := docstore.OpenCollection(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open docstore collection: %w", err)
	}
	return NewStore(coll), nil
}

// Close releases the underlying collection.
func (s *Store) Close() error { return s.coll.Close() }

// Create stores doc. It fails with ErrExists if a document with the same id
// was stored before.
func (s *Store) Create(ctx context.Context, doc *Document) error {
	if err := s.coll.Create(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return fmt.Errorf("%w: %s", ErrExists, doc.ID)
		}
		return fmt.Errorf("create snapshot %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns the document with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	doc := &Document{ID: id}
	if err := s.coll.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return doc, nil
}

// Latest returns the document with the highest version, or ErrNotFound when
// the store is empty.
func (s *Store) Latest(ctx context.Context) (*Document, error) {
	iter := s.coll.Query().
		Where("version", ">", int64(0)).
		OrderBy("version", docstore.Descending).
		Limit(1).
		Get(ctx)
	defer iter.Stop()

	var doc Document
	err := iter.Next(ctx, &doc)
	if err == io.EOF {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	return &doc, nil
}
