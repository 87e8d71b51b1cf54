package chatstate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	opEq       = "$eq"
	opNe       = "$ne"
	opIn       = "$in"
	opNin      = "$nin"
	opGt       = "$gt"
	opGte      = "$gte"
	opLt       = "$lt"
	opLte      = "$lte"
	opExists   = "$exists"
	opContains = "$contains"
	opAnd      = "$and"
	opOr       = "$or"
	opNor      = "$nor"
)

// Filter is a channel query filter. The zero value matches every channel.
type Filter struct {
	op      string
	field   string
	value   any
	filters []Filter
}

func NoFilter() Filter { return Filter{} }

func Eq(field string, value any) Filter       { return Filter{op: opEq, field: field, value: value} }
func Ne(field string, value any) Filter       { return Filter{op: opNe, field: field, value: value} }
func Gt(field string, value any) Filter       { return Filter{op: opGt, field: field, value: value} }
func Gte(field string, value any) Filter      { return Filter{op: opGte, field: field, value: value} }
func Lt(field string, value any) Filter       { return Filter{op: opLt, field: field, value: value} }
func Lte(field string, value any) Filter      { return Filter{op: opLte, field: field, value: value} }
func Exists(field string, exists bool) Filter { return Filter{op: opExists, field: field, value: exists} }
func Contains(field string, value any) Filter { return Filter{op: opContains, field: field, value: value} }

func In(field string, values ...any) Filter {
	return Filter{op: opIn, field: field, value: values}
}

func Nin(field string, values ...any) Filter {
	return Filter{op: opNin, field: field, value: values}
}

func And(filters ...Filter) Filter { return Filter{op: opAnd, filters: filters} }
func Or(filters ...Filter) Filter  { return Filter{op: opOr, filters: filters} }
func Nor(filters ...Filter) Filter { return Filter{op: opNor, filters: filters} }

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool { return f.op == "" }

// HasField reports whether any condition of the filter refers to field.
func (f Filter) HasField(field string) bool {
	if f.field == field && f.op != "" {
		return true
	}
	for _, sub := range f.filters {
		if sub.HasField(field) {
			return true
		}
	}
	return false
}

// String returns the canonical JSON form, stable across equal filters.
func (f Filter) String() string {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("invalid filter: %v", err)
	}
	return string(b)
}

func (f Filter) MarshalJSON() ([]byte, error) {
	switch f.op {
	case "":
		return []byte("{}"), nil
	case opAnd, opOr, opNor:
		subs := f.filters
		if subs == nil {
			subs = []Filter{}
		}
		return json.Marshal(map[string][]Filter{f.op: subs})
	default:
		return json.Marshal(map[string]map[string]any{f.field: {f.op: f.value}})
	}
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []Filter
	for _, k := range keys {
		v := raw[k]
		switch k {
		case opAnd, opOr, opNor:
			var subs []Filter
			if err := json.Unmarshal(v, &subs); err != nil {
				return fmt.Errorf("filter %s: %w", k, err)
			}
			parts = append(parts, Filter{op: k, filters: subs})
		default:
			fieldParts, err := decodeFieldFilter(k, v)
			if err != nil {
				return err
			}
			parts = append(parts, fieldParts...)
		}
	}

	switch len(parts) {
	case 0:
		*f = Filter{}
	case 1:
		*f = parts[0]
	default:
		*f = And(parts...)
	}
	return nil
}

func decodeFieldFilter(field string, v json.RawMessage) ([]Filter, error) {
	var ops map[string]json.RawMessage
	if err := json.Unmarshal(v, &ops); err == nil && len(ops) > 0 && allOperators(ops) {
		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		sort.Strings(names)

		out := make([]Filter, 0, len(names))
		for _, op := range names {
			var val any
			if err := json.Unmarshal(ops[op], &val); err != nil {
				return nil, fmt.Errorf("filter %s.%s: %w", field, op, err)
			}
			out = append(out, Filter{op: op, field: field, value: val})
		}
		return out, nil
	}

	// {"field": value} is shorthand for $eq
	var val any
	if err := json.Unmarshal(v, &val); err != nil {
		return nil, fmt.Errorf("filter %s: %w", field, err)
	}
	return []Filter{Eq(field, val)}, nil
}

func allOperators(m map[string]json.RawMessage) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// Matches evaluates the filter against a channel snapshot.
func (f Filter) Matches(ch Channel) bool {
	switch f.op {
	case "":
		return true
	case opAnd:
		for _, sub := range f.filters {
			if !sub.Matches(ch) {
				return false
			}
		}
		return true
	case opOr:
		for _, sub := range f.filters {
			if sub.Matches(ch) {
				return true
			}
		}
		return false
	case opNor:
		for _, sub := range f.filters {
			if sub.Matches(ch) {
				return false
			}
		}
		return true
	}

	actual, ok := channelField(ch, f.field)
	if f.op == opExists {
		want, _ := f.value.(bool)
		return ok == want
	}
	if !ok {
		return f.op == opNe || f.op == opNin
	}

	switch f.op {
	case opEq:
		return matchEq(actual, f.value)
	case opNe:
		return !matchEq(actual, f.value)
	case opIn:
		return matchAny(actual, f.value)
	case opNin:
		return !matchAny(actual, f.value)
	case opContains:
		if s, ok := actual.(string); ok {
			want, _ := f.value.(string)
			return strings.Contains(s, want)
		}
		return matchEq(actual, f.value)
	case opGt, opGte, opLt, opLte:
		c, ok := compareValues(actual, f.value)
		if !ok {
			return false
		}
		switch f.op {
		case opGt:
			return c > 0
		case opGte:
			return c >= 0
		case opLt:
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

// channelField resolves a filter field on a channel.
func channelField(ch Channel, field string) (any, bool) {
	switch field {
	case "type":
		return ch.Type, ch.Type != ""
	case "id":
		return ch.ID, ch.ID != ""
	case "cid":
		cid := ch.NormalizedCID()
		return cid, cid != ""
	case "name":
		return ch.Name, ch.Name != ""
	case "team":
		return ch.Team, ch.Team != ""
	case "frozen":
		return ch.Frozen, true
	case "hidden":
		return ch.Hidden, true
	case "muted":
		return ch.Muted, true
	case "member_count":
		return ch.MemberCount, true
	case "members":
		ids := make([]string, 0, len(ch.Members))
		for _, m := range ch.Members {
			ids = append(ids, m.User.ID)
		}
		return ids, true
	case "created_by_id":
		if ch.CreatedBy == nil || ch.CreatedBy.ID == "" {
			return nil, false
		}
		return ch.CreatedBy.ID, true
	case "last_message_at":
		return ch.LastMessageAt, !ch.LastMessageAt.IsZero()
	case "created_at":
		return ch.CreatedAt, !ch.CreatedAt.IsZero()
	case "updated_at":
		return ch.UpdatedAt, !ch.UpdatedAt.IsZero()
	}
	v, ok := ch.ExtraData[field]
	return v, ok
}

func matchEq(actual, want any) bool {
	if list, ok := actual.([]string); ok {
		for _, item := range list {
			if c, ok := compareValues(item, want); ok && c == 0 {
				return true
			}
		}
		return false
	}
	c, ok := compareValues(actual, want)
	return ok && c == 0
}

func matchAny(actual, values any) bool {
	list, ok := values.([]any)
	if !ok {
		return matchEq(actual, values)
	}
	for _, v := range list {
		if matchEq(actual, v) {
			return true
		}
	}
	return false
}

// compareValues orders two loosely typed values. ok is false when they are
// not comparable.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case time.Time:
		var bt time.Time
		switch bv := b.(type) {
		case time.Time:
			bt = bv
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, bv)
			if err != nil {
				return 0, false
			}
			bt = parsed
		default:
			return 0, false
		}
		return av.Compare(bt), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
