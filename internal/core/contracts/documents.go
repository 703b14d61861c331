package contracts

import (
	"context"
	"encoding/json"
)

// Document is a schemaless record read from the store.
type Document struct {
	ID     string
	Fields map[string]any
}

// Decode unmarshals the document fields into dst via a JSON round
// trip, so any struct with json tags matching the stored field names
// works as a target.
func (d Document) Decode(dst any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Fields converts v (typically a domain struct) into the map form the
// store persists, using its json tags.
func Fields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscription is a standing registration that keeps delivering
// changes until closed. Close is idempotent and releases the watch on
// every exit path, error paths included.
type Subscription interface {
	Close()
}

// DocumentStore is the document half of the remote data service:
// get/set/update/query plus live watches.
type DocumentStore interface {
	// Get reads one document. The second result is false when the
	// document does not exist.
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	// Set creates or fully replaces a document.
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	// Update merges fields into an existing document and fails if it
	// does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Query returns documents matching pred in deterministic storage
	// order.
	Query(ctx context.Context, collection string, pred Predicate) ([]Document, error)

	// WatchDocument delivers the document now (if it exists) and after
	// every subsequent write until the subscription is closed. Errors
	// go to onErr and do not terminate the watch.
	WatchDocument(ctx context.Context, collection, id string, onChange func(Document), onErr func(error)) (Subscription, error)
	// WatchQuery delivers the full current result set immediately and
	// again after every change to the collection. A non-empty orderBy
	// sorts results ascending by that field.
	WatchQuery(ctx context.Context, collection string, pred Predicate, orderBy string, onChange func([]Document), onErr func(error)) (Subscription, error)
}

// BlobStore uploads opaque bytes and resolves a fetchable URL.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}
