package wazuh

import (
	"encoding/json"
	"errors"
)

// Query is one node of the indexer's native query DSL. Implementations
// marshal to exactly the JSON shape the indexer expects, so arbitrary
// boolean term/range trees can be expressed without a builder layer.
type Query interface {
	json.Marshaler
	query()
}

// Term matches an exact value.
type Term struct {
	Field string
	Value any
}

func (Term) query() {}

func (q Term) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"term": map[string]any{q.Field: q.Value}})
}

// Terms matches any of several exact values.
type Terms struct {
	Field  string
	Values []string
}

func (Terms) query() {}

func (q Terms) MarshalJSON() ([]byte, error) {
	values := q.Values
	if values == nil {
		values = []string{}
	}
	return json.Marshal(map[string]any{"terms": map[string]any{q.Field: values}})
}

// Range bounds a field. Unset bounds are omitted.
type Range struct {
	Field string
	GT    any
	GTE   any
	LT    any
	LTE   any
}

func (Range) query() {}

func (q Range) MarshalJSON() ([]byte, error) {
	bounds := map[string]any{}
	for op, v := range map[string]any{"gt": q.GT, "gte": q.GTE, "lt": q.LT, "lte": q.LTE} {
		if v != nil {
			bounds[op] = v
		}
	}
	if len(bounds) == 0 {
		return nil, errors.New("range query on " + q.Field + " has no bounds")
	}
	return json.Marshal(map[string]any{"range": map[string]any{q.Field: bounds}})
}

// Bool combines clauses. Empty clause lists are omitted.
type Bool struct {
	Must    []Query
	Filter  []Query
	Should  []Query
	MustNot []Query
}

func (Bool) query() {}

func (q Bool) MarshalJSON() ([]byte, error) {
	clauses := map[string][]Query{}
	if len(q.Must) > 0 {
		clauses["must"] = q.Must
	}
	if len(q.Filter) > 0 {
		clauses["filter"] = q.Filter
	}
	if len(q.Should) > 0 {
		clauses["should"] = q.Should
	}
	if len(q.MustNot) > 0 {
		clauses["must_not"] = q.MustNot
	}
	return json.Marshal(map[string]any{"bool": clauses})
}

// MatchAll matches every document.
type MatchAll struct{}

func (MatchAll) query() {}

func (MatchAll) MarshalJSON() ([]byte, error) {
	return []byte(`{"match_all":{}}`), nil
}

// Raw passes a hand-written query through unchanged.
type Raw json.RawMessage

func (Raw) query() {}

func (q Raw) MarshalJSON() ([]byte, error) {
	if !json.Valid(q) {
		return nil, errors.New("raw query is not valid JSON")
	}
	return []byte(q), nil
}

// AnyOf matches field against ids: a Term for one id, Terms otherwise.
func AnyOf(field string, ids []string) Query {
	if len(ids) == 1 {
		return Term{Field: field, Value: ids[0]}
	}
	return Terms{Field: field, Values: ids}
}

// SortField orders hits by one field.
type SortField struct {
	Field string
	Desc  bool
}

func (s SortField) MarshalJSON() ([]byte, error) {
	order := "asc"
	if s.Desc {
		order = "desc"
	}
	return json.Marshal(map[string]any{s.Field: map[string]string{"order": order}})
}

// SearchRequest is the _search body.
type SearchRequest struct {
	Size  int         `json:"size"`
	From  int         `json:"from"`
	Sort  []SortField `json:"sort,omitempty"`
	Query Query       `json:"query,omitempty"`
}
