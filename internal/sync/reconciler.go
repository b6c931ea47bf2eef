package sync

import (
	"slices"
	"strings"

	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/outbox"
)

// TempIDPrefix marks optimistic entries of the direct send path.
const TempIDPrefix = "temp-"

// isOptimistic reports whether m exists only locally.
func isOptimistic(m *model.Message) bool {
	return strings.HasPrefix(m.ID, TempIDPrefix) || strings.HasPrefix(m.ID, outbox.IDPrefix)
}

func indexOf(list []model.Message, id string) int {
	return slices.IndexFunc(list, func(m model.Message) bool { return m.ID == id })
}

// sortByCreated orders list by creation time, keeping arrival order for ties.
func sortByCreated(list []model.Message) {
	slices.SortStableFunc(list, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// insert adds m unless an entry with the same id exists. It reports whether
// the list changed.
func insert(list []model.Message, m model.Message) ([]model.Message, bool) {
	if indexOf(list, m.ID) >= 0 {
		return list, false
	}
	list = append(list, m)
	sortByCreated(list)
	return list, true
}

// replace swaps the entry with id for m in place.
func replace(list []model.Message, m model.Message) bool {
	i := indexOf(list, m.ID)
	if i < 0 {
		return false
	}
	list[i] = m
	return true
}

// confirm replaces the optimistic entry localID with the confirmed server
// message. When the server message already arrived over realtime the
// optimistic entry is removed instead, so the message is never listed twice.
func confirm(list []model.Message, localID string, m model.Message) []model.Message {
	if indexOf(list, m.ID) >= 0 {
		return slices.DeleteFunc(list, func(x model.Message) bool { return x.ID == localID })
	}
	if i := indexOf(list, localID); i >= 0 {
		list[i] = m
		sortByCreated(list)
		return list
	}
	list, _ = insert(list, m)
	return list
}

// merge combines a fetched page with the entries already held locally.
// Fetched rows win; local entries missing from the fetch are kept.
func merge(fetched, local []model.Message) []model.Message {
	out := slices.Clone(fetched)
	for _, m := range local {
		if indexOf(out, m.ID) < 0 {
			out = append(out, m)
		}
	}
	sortByCreated(out)
	return out
}

// persistable filters out optimistic entries before caching.
func persistable(list []model.Message) []model.Message {
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		if !isOptimistic(&m) {
			out = append(out, m)
		}
	}
	return out
}
