package rpc

import (
	"fmt"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"google.golang.org/protobuf/types/known/structpb"
)

// Every request, response and stream frame is a google.protobuf.Struct.
// Numbers arrive as float64 on the other side; row readers accept that.

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(normalize(m).(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

// normalize converts typed slices and maps that structpb does not accept.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func encodeFilters(fs []ds.Filter) []any {
	out := make([]any, 0, len(fs))
	for _, f := range fs {
		out = append(out, map[string]any{"field": f.Field, "op": string(f.Op), "value": f.Value})
	}
	return out
}

func decodeFilters(v any) []ds.Filter {
	list, _ := v.([]any)
	out := make([]ds.Filter, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		field, _ := m["field"].(string)
		op, _ := m["op"].(string)
		out = append(out, ds.Filter{Field: field, Op: ds.Op(op), Value: m["value"]})
	}
	return out
}

func encodeOrders(orders []ds.Order) []any {
	out := make([]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, map[string]any{"field": o.Field, "desc": o.Desc, "nulls_first": o.NullsFirst})
	}
	return out
}

func decodeOrders(v any) []ds.Order {
	list, _ := v.([]any)
	out := make([]ds.Order, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		field, _ := m["field"].(string)
		desc, _ := m["desc"].(bool)
		nullsFirst, _ := m["nulls_first"].(bool)
		out = append(out, ds.Order{Field: field, Desc: desc, NullsFirst: nullsFirst})
	}
	return out
}

func encodeRange(r *ds.Range) any {
	if r == nil {
		return nil
	}
	return map[string]any{"offset": int64(r.Offset), "limit": int64(r.Limit)}
}

func decodeRange(v any) *ds.Range {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	offset, _ := m["offset"].(float64)
	limit, _ := m["limit"].(float64)
	return &ds.Range{Offset: int(offset), Limit: int(limit)}
}

func encodeChangeFilters(cs []ds.ChangeFilter) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, map[string]any{"collection": c.Collection, "type": string(c.Type), "filters": encodeFilters(c.Filters)})
	}
	return out
}

func decodeChangeFilters(v any) []ds.ChangeFilter {
	list, _ := v.([]any)
	out := make([]ds.ChangeFilter, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		collection, _ := m["collection"].(string)
		typ, _ := m["type"].(string)
		out = append(out, ds.ChangeFilter{Collection: collection, Type: ds.ChangeType(typ), Filters: decodeFilters(m["filters"])})
	}
	return out
}

func encodeRows(rows []ds.Row) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return out
}

func decodeRows(v any) []ds.Row {
	list, _ := v.([]any)
	out := make([]ds.Row, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func decodeRow(v any) ds.Row {
	m, _ := v.(map[string]any)
	return m
}

func decodeStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
