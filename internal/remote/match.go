package remote

import (
	"cmp"
	"fmt"
	"slices"
)

// Matches reports whether fields satisfy every filter of q.
func (q Query) Matches(fields map[string]any) bool {
	for _, f := range q.Filters {
		v, ok := fields[f.Field]
		if !ok {
			return false
		}
		if !f.matches(v) {
			return false
		}
	}
	return true
}

func (f Filter) matches(v any) bool {
	if f.Op == OpArrayContains {
		arr, ok := v.([]any)
		if !ok {
			if ss, isStrings := v.([]string); isStrings {
				for _, s := range ss {
					arr = append(arr, s)
				}
			}
		}
		return slices.ContainsFunc(arr, func(e any) bool { return compareValues(e, f.Value) == 0 })
	}
	c := compareValues(v, f.Value)
	switch f.Op {
	case OpEqual:
		return c == 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

// Validate rejects unknown operators.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpArrayContains:
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidArgument, f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	}
	return nil
}

// Apply filters, orders and limits docs in place according to q.
func (q Query) Apply(docs []Document) []Document {
	out := docs[:0]
	for _, d := range docs {
		if q.Matches(d.Fields) {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Document) int {
		if q.OrderBy != "" {
			c := compareValues(a.Fields[q.OrderBy], b.Fields[q.OrderBy])
			if q.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.Path, b.Path)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compareValues orders two field values. Timestamp-like values compare by
// instant, numbers numerically, everything else by its string form.
func compareValues(a, b any) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return cmp.Compare(as, bs)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	am, aok := Millis(a)
	bm, bok := Millis(b)
	if aok && bok {
		return cmp.Compare(am, bm)
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
