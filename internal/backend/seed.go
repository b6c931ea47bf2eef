package backend

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
	"github.com/cherrygifts/cherrychat/internal/model"
)

// seedOrder inserts parents first; message inserts fire the conversation trigger.
var seedOrder = []string{model.CollectionUsers, model.CollectionConversations, model.CollectionMessages}

// LoadSeed inserts the rows of a TOML fixture into b and returns how many
// were inserted. Each collection is an array of tables:
//
//	[[conversations]]
//	id = "c1"
//	user_id = "u1"
//	is_active = true
//
// TOML datetimes become unix milliseconds.
func LoadSeed(ctx context.Context, b *memory.Backend, path string) (int, error) {
	var doc map[string][]map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	for name := range doc {
		if !slices.Contains(seedOrder, name) {
			return 0, fmt.Errorf("seed %s: unknown collection %q", path, name)
		}
	}

	n := 0
	for _, collection := range seedOrder {
		for _, raw := range doc[collection] {
			row := make(ds.Row, len(raw))
			for k, v := range raw {
				if t, ok := v.(time.Time); ok {
					v = t.UnixMilli()
				}
				row[k] = v
			}
			if _, err := b.Insert(ctx, collection, row); err != nil {
				return n, fmt.Errorf("seed %s: %w", collection, err)
			}
			n++
		}
	}
	return n, nil
}
