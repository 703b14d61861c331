package contracts

import (
	"bytes"
	"encoding/json"
	"strings"
)

type predicateOp int

const (
	opAll predicateOp = iota
	opEq
	opAnd
	opOr
)

// Predicate is a composable query filter: field equality combined with
// AND/OR. Field paths may be dotted to reach into embedded objects
// ("user1.number"). The zero value matches every document.
type Predicate struct {
	op    predicateOp
	field string
	value any
	preds []Predicate
}

// All matches every document in the collection.
func All() Predicate { return Predicate{op: opAll} }

// Eq matches documents whose field equals value.
func Eq(field string, value any) Predicate {
	return Predicate{op: opEq, field: field, value: value}
}

func And(preds ...Predicate) Predicate {
	return Predicate{op: opAnd, preds: preds}
}

func Or(preds ...Predicate) Predicate {
	return Predicate{op: opOr, preds: preds}
}

// Matches evaluates the predicate against a document's fields.
func (p Predicate) Matches(fields map[string]any) bool {
	switch p.op {
	case opAll:
		return true
	case opEq:
		got, ok := Lookup(fields, p.field)
		return ok && jsonEqual(got, p.value)
	case opAnd:
		for _, sub := range p.preds {
			if !sub.Matches(fields) {
				return false
			}
		}
		return true
	case opOr:
		for _, sub := range p.preds {
			if sub.Matches(fields) {
				return true
			}
		}
		return false
	}
	return false
}

// Walk visits the predicate tree. Combinators report their children
// through sub; equality leaves report field and value. Adapters use
// this to compile predicates into their native query language.
func (p Predicate) Walk(visit func(op string, field string, value any, sub []Predicate)) {
	switch p.op {
	case opAll:
		visit("all", "", nil, nil)
	case opEq:
		visit("eq", p.field, p.value, nil)
	case opAnd:
		visit("and", "", nil, p.preds)
	case opOr:
		visit("or", "", nil, p.preds)
	}
}

// Lookup resolves a dotted field path inside nested map fields.
func Lookup(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// jsonEqual compares through a JSON round trip so that values which
// differ only in Go type after (de)serialization (int64 vs float64)
// still compare equal.
func jsonEqual(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
