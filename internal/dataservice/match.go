package dataservice

import (
	"cmp"
	"slices"
)

// Matches reports whether row satisfies every filter.
func Matches(row Row, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(row, f) {
			return false
		}
	}
	return true
}

func matchOne(row Row, f Filter) bool {
	v, present := row[f.Field]
	isNull := !present || v == nil
	switch f.Op {
	case OpIsNull:
		return isNull
	case OpNotNull:
		return !isNull
	case OpEq:
		return !isNull && Compare(v, f.Value) == 0
	case OpNeq:
		return isNull || Compare(v, f.Value) != 0
	case OpGt:
		return !isNull && Compare(v, f.Value) > 0
	case OpLt:
		return !isNull && Compare(v, f.Value) < 0
	case OpIn:
		if isNull {
			return false
		}
		list, _ := f.Value.([]any)
		for _, item := range list {
			if Compare(v, item) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Compare orders two row values. Numbers compare numerically regardless of
// their Go kind; nil sorts before everything; mismatched kinds compare by
// kind rank.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return cmp.Compare(x, b.(string))
	default:
		fa, _ := number(a)
		fb, _ := number(b)
		return cmp.Compare(fa, fb)
	}
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	default:
		if _, ok := number(v); ok {
			return 2
		}
		return 4
	}
}

func number(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

// SortRows sorts rows in place by orders, stable for equal keys.
func SortRows(rows []Row, orders []Order) {
	if len(orders) == 0 {
		return
	}
	slices.SortStableFunc(rows, func(a, b Row) int {
		for _, o := range orders {
			if c := compareOrdered(a[o.Field], b[o.Field], o); c != 0 {
				return c
			}
		}
		return 0
	})
}

func compareOrdered(a, b any, o Order) int {
	an, bn := a == nil, b == nil
	switch {
	case an && bn:
		return 0
	case an:
		if o.NullsFirst {
			return -1
		}
		return 1
	case bn:
		if o.NullsFirst {
			return 1
		}
		return -1
	}
	c := Compare(a, b)
	if o.Desc {
		return -c
	}
	return c
}

// Window applies rng to an ordered result.
func Window(rows []Row, rng *Range) []Row {
	if rng == nil {
		return rows
	}
	if rng.Offset >= len(rows) {
		return nil
	}
	rows = rows[max(rng.Offset, 0):]
	if rng.Limit > 0 && rng.Limit < len(rows) {
		rows = rows[:rng.Limit]
	}
	return rows
}

// Clone returns a shallow copy of row.
func Clone(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
