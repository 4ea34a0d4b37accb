package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/go-digitaltwin/citytwin"
)

// volatileKey is stripped from broadcast trees: it changes on every update and
// carries no information a client renders.
const volatileKey = "lastUpdated"

// Normalize converts v into the generic JSON tree the hub diffs: it is
// round-tripped through encoding/json and every "lastUpdated" field is removed.
func Normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var tree any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	strip(tree)
	return tree, nil
}

func strip(v any) {
	switch v := v.(type) {
	case map[string]any:
		delete(v, volatileKey)
		for _, e := range v {
			strip(e)
		}
	case []any:
		for _, e := range v {
			strip(e)
		}
	}
}

// hashTree content-addresses a normalized tree.
func hashTree(tree any) (citytwin.StateHash, error) {
	return citytwin.ContentAddress(tree)
}
