package contracts

import "context"

// Change identifies a written document. Feeds carry no payload; a
// listener re-reads whatever it is watching.
type Change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// ChangeFeed fans document-write notices out to watchers. Backends
// whose storage cannot push changes by itself (Postgres) pair their
// document store with a feed (Redis pub/sub) to power live watches.
type ChangeFeed interface {
	// Announce publishes a write notice to all listeners.
	Announce(ctx context.Context, ch Change) error
	// Listen invokes handler for every announced change until the
	// returned subscription is closed.
	Listen(ctx context.Context, handler func(Change)) (Subscription, error)
}
