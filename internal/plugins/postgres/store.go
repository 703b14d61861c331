package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"chatlink/internal/core/contracts"
	"chatlink/internal/core/domain"
)

// DocumentStore keeps schemaless documents in a single JSONB table.
// Live watches are powered by a ChangeFeed: every write announces
// {collection, id} and listening watches re-read what they cover.
type DocumentStore struct {
	db   *sql.DB
	feed contracts.ChangeFeed
	log  *slog.Logger

	mu         sync.Mutex
	nextWatch  int
	docWatches map[int]*docWatch
	qryWatches map[int]*qryWatch
	feedSub    contracts.Subscription
}

type docWatch struct {
	coll     string
	id       string
	onChange func(contracts.Document)
	onErr    func(error)
}

type qryWatch struct {
	coll     string
	pred     contracts.Predicate
	orderBy  string
	onChange func([]contracts.Document)
	onErr    func(error)
}

func NewDocumentStore(log *slog.Logger, db *sql.DB, feed contracts.ChangeFeed) *DocumentStore {
	return &DocumentStore{
		db:         db,
		feed:       feed,
		log:        log,
		docWatches: make(map[int]*docWatch),
		qryWatches: make(map[int]*qryWatch),
	}
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (contracts.Document, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return contracts.Document{}, false, nil
	}
	if err != nil {
		return contracts.Document{}, false, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return contracts.Document{}, false, err
	}
	return contracts.Document{ID: id, Fields: fields}, true, nil
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO documents (collection, id, fields)
        VALUES ($1, $2, $3)
        ON CONFLICT (collection, id) DO UPDATE SET fields = EXCLUDED.fields`,
		collection, id, raw,
	)
	if err != nil {
		return err
	}
	s.announce(ctx, collection, id)
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE documents SET fields = fields || $3::jsonb
        WHERE collection = $1 AND id = $2`,
		collection, id, raw,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrDocumentNotFound
	}
	s.announce(ctx, collection, id)
	return nil
}

func (s *DocumentStore) announce(ctx context.Context, collection, id string) {
	if err := s.feed.Announce(ctx, contracts.Change{Collection: collection, ID: id}); err != nil {
		// The write itself succeeded; watchers just miss this change.
		s.log.ErrorContext(ctx, "documents - announce - publish failed", "collection", collection, "id", id, "err", err)
	}
}

func (s *DocumentStore) Query(ctx context.Context, collection string, pred contracts.Predicate) ([]contracts.Document, error) {
	return s.queryOrdered(ctx, collection, pred, "")
}

func (s *DocumentStore) queryOrdered(ctx context.Context, collection string, pred contracts.Predicate, orderBy string) ([]contracts.Document, error) {
	args := []any{collection}
	where, err := compilePredicate(pred, &args)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, fields FROM documents WHERE collection = $1 AND ` + where
	if orderBy != "" {
		args = append(args, orderBy)
		q += ` ORDER BY fields -> $` + strconv.Itoa(len(args))
	} else {
		q += ` ORDER BY seq`
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []contracts.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		docs = append(docs, contracts.Document{ID: id, Fields: fields})
	}
	return docs, rows.Err()
}

// compilePredicate renders pred as a SQL condition over the JSONB
// fields column. Equality compares the text at a dotted path; AND/OR
// compose with parentheses. args grows with one path and one value
// parameter per leaf.
func compilePredicate(pred contracts.Predicate, args *[]any) (string, error) {
	var out string
	var walkErr error
	pred.Walk(func(op string, field string, value any, sub []contracts.Predicate) {
		switch op {
		case "all":
			out = "TRUE"
		case "eq":
			*args = append(*args, field)
			pathIdx := len(*args)
			*args = append(*args, fmt.Sprint(value))
			valIdx := len(*args)
			out = fmt.Sprintf("fields #>> string_to_array($%d, '.') = $%d", pathIdx, valIdx)
		case "and", "or":
			joiner := " AND "
			if op == "or" {
				joiner = " OR "
			}
			if len(sub) == 0 {
				out = "TRUE"
				return
			}
			clause := ""
			for i, p := range sub {
				inner, err := compilePredicate(p, args)
				if err != nil {
					walkErr = err
					return
				}
				if i > 0 {
					clause += joiner
				}
				clause += inner
			}
			out = "(" + clause + ")"
		default:
			walkErr = fmt.Errorf("unsupported predicate op %q", op)
		}
	})
	return out, walkErr
}

type watchHandle struct {
	close func()
	once  sync.Once
}

func (w *watchHandle) Close() { w.once.Do(w.close) }

// ensureListener lazily starts the single feed subscription that all
// watches share. Caller holds s.mu.
func (s *DocumentStore) ensureListener(ctx context.Context) error {
	if s.feedSub != nil {
		return nil
	}
	sub, err := s.feed.Listen(ctx, s.dispatch)
	if err != nil {
		return err
	}
	s.feedSub = sub
	return nil
}

// releaseListener closes the shared feed subscription once no watch
// remains. Caller holds s.mu.
func (s *DocumentStore) releaseListener() {
	if s.feedSub != nil && len(s.docWatches) == 0 && len(s.qryWatches) == 0 {
		s.feedSub.Close()
		s.feedSub = nil
	}
}

func (s *DocumentStore) dispatch(ch contracts.Change) {
	ctx := context.Background()
	s.mu.Lock()
	var docs []*docWatch
	for _, w := range s.docWatches {
		if w.coll == ch.Collection && w.id == ch.ID {
			docs = append(docs, w)
		}
	}
	var qrys []*qryWatch
	for _, w := range s.qryWatches {
		if w.coll == ch.Collection {
			qrys = append(qrys, w)
		}
	}
	s.mu.Unlock()
	for _, w := range docs {
		doc, found, err := s.Get(ctx, w.coll, w.id)
		if err != nil {
			w.onErr(err)
			continue
		}
		if found {
			w.onChange(doc)
		}
	}
	for _, w := range qrys {
		result, err := s.queryOrdered(ctx, w.coll, w.pred, w.orderBy)
		if err != nil {
			w.onErr(err)
			continue
		}
		w.onChange(result)
	}
}

func (s *DocumentStore) WatchDocument(ctx context.Context, collection, id string, onChange func(contracts.Document), onErr func(error)) (contracts.Subscription, error) {
	s.mu.Lock()
	if err := s.ensureListener(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextWatch++
	key := s.nextWatch
	s.docWatches[key] = &docWatch{coll: collection, id: id, onChange: onChange, onErr: onErr}
	s.mu.Unlock()
	// Current value first, if the document exists yet.
	doc, found, err := s.Get(ctx, collection, id)
	if err != nil {
		onErr(err)
	} else if found {
		onChange(doc)
	}
	return &watchHandle{close: func() {
		s.mu.Lock()
		delete(s.docWatches, key)
		s.releaseListener()
		s.mu.Unlock()
	}}, nil
}

func (s *DocumentStore) WatchQuery(ctx context.Context, collection string, pred contracts.Predicate, orderBy string, onChange func([]contracts.Document), onErr func(error)) (contracts.Subscription, error) {
	s.mu.Lock()
	if err := s.ensureListener(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextWatch++
	key := s.nextWatch
	s.qryWatches[key] = &qryWatch{coll: collection, pred: pred, orderBy: orderBy, onChange: onChange, onErr: onErr}
	s.mu.Unlock()
	result, err := s.queryOrdered(ctx, collection, pred, orderBy)
	if err != nil {
		onErr(err)
	} else {
		onChange(result)
	}
	return &watchHandle{close: func() {
		s.mu.Lock()
		delete(s.qryWatches, key)
		s.releaseListener()
		s.mu.Unlock()
	}}, nil
}
