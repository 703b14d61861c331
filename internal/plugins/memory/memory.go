// Package memory is an in-process remote data service: identity,
// documents with live watches, and blob storage. It backs the demo
// binary's default mode and the coordinator tests. Watch callbacks
// fire synchronously on the writing goroutine, which makes test
// ordering deterministic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chatlink/internal/core/contracts"
	"chatlink/internal/core/domain"

	"github.com/google/uuid"
)

type collection struct {
	order []string
	docs  map[string]map[string]any
}

type account struct {
	id       string
	password string
}

type docWatcher struct {
	id       int
	coll     string
	docID    string
	onChange func(contracts.Document)
	onErr    func(error)
}

type queryWatcher struct {
	id       int
	coll     string
	pred     contracts.Predicate
	orderBy  string
	onChange func([]contracts.Document)
	onErr    func(error)
}

// Store implements contracts.Identity, contracts.DocumentStore and
// contracts.BlobStore over process memory.
type Store struct {
	baseURL string

	mu          sync.Mutex
	collections map[string]*collection
	accounts    map[string]account
	currentUser string
	blobs       map[string][]byte
	nextWatch   int
	docWatches  map[int]*docWatcher
	qryWatches  map[int]*queryWatcher
}

func New(baseURL string) *Store {
	return &Store{
		baseURL:     baseURL,
		collections: make(map[string]*collection),
		accounts:    make(map[string]account),
		blobs:       make(map[string][]byte),
		docWatches:  make(map[int]*docWatcher),
		qryWatches:  make(map[int]*queryWatcher),
	}
}

// --- Identity ---

func (s *Store) CurrentUser(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUser, s.currentUser != ""
}

func (s *Store) CreateAccount(ctx context.Context, email, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[email]; exists {
		return "", domain.ErrEmailExists
	}
	uid := uuid.NewString()
	s.accounts[email] = account{id: uid, password: password}
	s.currentUser = uid
	return uid, nil
}

func (s *Store) SignIn(ctx context.Context, email, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, exists := s.accounts[email]
	if !exists || acct.password != password {
		return "", fmt.Errorf("invalid credentials")
	}
	s.currentUser = acct.id
	return acct.id, nil
}

func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = ""
	return nil
}

// --- DocumentStore ---

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]map[string]any)}
		s.collections[name] = c
	}
	return c
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Store) Get(ctx context.Context, collName, id string) (contracts.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.coll(collName).docs[id]
	if !ok {
		return contracts.Document{}, false, nil
	}
	return contracts.Document{ID: id, Fields: cloneFields(fields)}, true, nil
}

func (s *Store) Set(ctx context.Context, collName, id string, fields map[string]any) error {
	s.mu.Lock()
	c := s.coll(collName)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = cloneFields(fields)
	notify := s.pendingNotifications(collName, id)
	s.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
	return nil
}

func (s *Store) Update(ctx context.Context, collName, id string, fields map[string]any) error {
	s.mu.Lock()
	c := s.coll(collName)
	existing, ok := c.docs[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrDocumentNotFound
	}
	for k, v := range cloneFields(fields) {
		existing[k] = v
	}
	notify := s.pendingNotifications(collName, id)
	s.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
	return nil
}

// query runs under s.mu.
func (s *Store) query(collName string, pred contracts.Predicate, orderBy string) []contracts.Document {
	c := s.coll(collName)
	var out []contracts.Document
	for _, id := range c.order {
		fields, ok := c.docs[id]
		if !ok || !pred.Matches(fields) {
			continue
		}
		out = append(out, contracts.Document{ID: id, Fields: cloneFields(fields)})
	}
	if orderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return fieldLess(out[i].Fields, out[j].Fields, orderBy)
		})
	}
	return out
}

func fieldLess(a, b map[string]any, field string) bool {
	av, _ := contracts.Lookup(a, field)
	bv, _ := contracts.Lookup(b, field)
	af, aNum := asFloat(av)
	bf, bNum := asFloat(bv)
	if aNum && bNum {
		return af < bf
	}
	return fmt.Sprint(av) < fmt.Sprint(bv)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (s *Store) Query(ctx context.Context, collName string, pred contracts.Predicate) ([]contracts.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query(collName, pred, ""), nil
}

// pendingNotifications snapshots, under s.mu, the callbacks owed to
// watchers of a just-written document. They are invoked after the lock
// is released so a callback may freely call back into the store.
func (s *Store) pendingNotifications(collName, id string) []func() {
	var out []func()
	for _, w := range s.docWatches {
		if w.coll != collName || w.docID != id {
			continue
		}
		fields, ok := s.coll(collName).docs[id]
		if !ok {
			continue
		}
		doc := contracts.Document{ID: id, Fields: cloneFields(fields)}
		onChange := w.onChange
		out = append(out, func() { onChange(doc) })
	}
	for _, w := range s.qryWatches {
		if w.coll != collName {
			continue
		}
		docs := s.query(w.coll, w.pred, w.orderBy)
		onChange := w.onChange
		out = append(out, func() { onChange(docs) })
	}
	return out
}

type subscription struct {
	close func()
	once  sync.Once
}

func (s *subscription) Close() { s.once.Do(s.close) }

func (s *Store) WatchDocument(ctx context.Context, collName, id string, onChange func(contracts.Document), onErr func(error)) (contracts.Subscription, error) {
	s.mu.Lock()
	s.nextWatch++
	w := &docWatcher{id: s.nextWatch, coll: collName, docID: id, onChange: onChange, onErr: onErr}
	s.docWatches[w.id] = w
	var initial *contracts.Document
	if fields, ok := s.coll(collName).docs[id]; ok {
		initial = &contracts.Document{ID: id, Fields: cloneFields(fields)}
	}
	s.mu.Unlock()
	// Current value first, if the document exists yet.
	if initial != nil {
		onChange(*initial)
	}
	return &subscription{close: func() {
		s.mu.Lock()
		delete(s.docWatches, w.id)
		s.mu.Unlock()
	}}, nil
}

func (s *Store) WatchQuery(ctx context.Context, collName string, pred contracts.Predicate, orderBy string, onChange func([]contracts.Document), onErr func(error)) (contracts.Subscription, error) {
	s.mu.Lock()
	s.nextWatch++
	w := &queryWatcher{id: s.nextWatch, coll: collName, pred: pred, orderBy: orderBy, onChange: onChange, onErr: onErr}
	s.qryWatches[w.id] = w
	initial := s.query(collName, pred, orderBy)
	s.mu.Unlock()
	onChange(initial)
	return &subscription{close: func() {
		s.mu.Lock()
		delete(s.qryWatches, w.id)
		s.mu.Unlock()
	}}, nil
}

// --- BlobStore ---

func (s *Store) Upload(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return s.baseURL + "/" + key, nil
}

// Blob returns stored bytes, for tests and the demo binary.
func (s *Store) Blob(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	return data, ok
}
