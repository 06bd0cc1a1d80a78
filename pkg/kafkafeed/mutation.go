// Package kafkafeed implements backend.Backend over Kafka: every collection
// is a topic of record mutations keyed by record id, and each Feed keeps a
// materialized view of the topics it reads.
package kafkafeed

import (
	"encoding/json"
	"fmt"

	"github.com/kass/go-proximity-sync/pkg/backend"
)

// Mutation ops.
const (
	OpSet    = "set"
	OpUpdate = "update"
	OpRemove = "remove"
)

// Mutation is the message value on a collection topic.
type Mutation struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Fields  map[string]any  `json:"fields,omitempty"`
	At      int64           `json:"at"`
}

// Validate checks that m can be applied.
func (m Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mutation without id")
	}
	switch m.Op {
	case OpSet:
		if !json.Valid(m.Payload) {
			return fmt.Errorf("set %s: payload is not valid JSON", m.ID)
		}
	case OpUpdate, OpRemove:
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}

// change is what applying a mutation did to a view.
type change int

const (
	none change = iota
	added
	changed
	removed
)

// view is the materialized state of one collection.
type view struct {
	records map[string]json.RawMessage
}

func newView() *view {
	return &view{records: make(map[string]json.RawMessage)}
}

// apply folds m into the view and reports the resulting notification.
// Identical writes report none.
func (v *view) apply(m Mutation) (change, json.RawMessage, error) {
	old, existed := v.records[m.ID]

	var next json.RawMessage
	switch m.Op {
	case OpRemove:
		if !existed {
			return none, nil, nil
		}
		delete(v.records, m.ID)
		return removed, nil, nil
	case OpSet:
		next = append(json.RawMessage(nil), m.Payload...)
	case OpUpdate:
		merged, err := backend.MergeFields(old, m.Fields)
		if err != nil {
			return none, nil, err
		}
		next = merged
	default:
		return none, nil, fmt.Errorf("unknown op %q", m.Op)
	}

	if existed && string(old) == string(next) {
		return none, nil, nil
	}
	v.records[m.ID] = next
	if existed {
		return changed, next, nil
	}
	return added, next, nil
}

func (v *view) snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(v.records))
	for id, raw := range v.records {
		out[id] = append(json.RawMessage(nil), raw...)
	}
	return out
}
