package broadcast

import (
	"reflect"
	"slices"
	"strings"
)

// Operation kinds of a patch.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpReorder = "reorder"
)

// IdentityKeys are the fields that identify the elements of a collection. An
// array whose elements all carry the same one of these keys, with distinct
// string values, is diffed element by element; any other array is replaced
// whole when it changes.
var IdentityKeys = []string{
	"districtId", "sensorId", "buildingId", "stationId", "nodeId", "edgeId",
	"vehicleId", "busId", "incidentId", "unitId", "exitId", "elevatorId", "id",
}

// Segment is one step of a Path. A segment either names an object field, or
// selects the element of an identified array whose Key field equals ID.
type Segment struct {
	Field string `json:"field,omitempty"`
	Key   string `json:"key,omitempty"`
	ID    string `json:"id,omitempty"`
}

func (s Segment) String() string {
	if s.Key != "" {
		return "[" + s.Key + "=" + s.ID + "]"
	}
	return "." + s.Field
}

// Path addresses a value inside a state tree. The empty path is the root.
type Path []Segment

func (p Path) String() string {
	if len(p) == 0 {
		return "."
	}
	var b strings.Builder
	for _, s := range p {
		b.WriteString(s.String())
	}
	return b.String()
}

func (p Path) field(name string) Path {
	return append(slices.Clip(p), Segment{Field: name})
}

func (p Path) element(key, id string) Path {
	return append(slices.Clip(p), Segment{Key: key, ID: id})
}

// Op is a single patch operation.
//
// add and replace set Path to Value; add on an identified array appends the
// element. remove deletes the value at Path. reorder permutes the array at
// Path, whose elements are identified by Key, into Order.
type Op struct {
	Op    string   `json:"op"`
	Path  Path     `json:"path"`
	Value any      `json:"value,omitempty"`
	Key   string   `json:"key,omitempty"`
	Order []string `json:"order,omitempty"`
}

// Patch is an ordered list of operations transforming one state tree into
// another. Operations must be applied in order.
type Patch []Op

// Diff returns the patch transforming before into after. Both must be generic
// JSON trees: map[string]any, []any, string, float64, bool or nil, as produced
// by encoding/json. Diff never modifies its arguments, but the returned patch
// shares subtrees with after.
//
// Diff of equal trees is empty, and Apply(before, Diff(before, after)) equals
// after.
func Diff(before, after any) Patch {
	var p Patch
	diff(&p, nil, before, after)
	return p
}

func diff(p *Patch, path Path, before, after any) {
	switch b := before.(type) {
	case map[string]any:
		if a, ok := after.(map[string]any); ok {
			diffObjects(p, path, b, a)
			return
		}
	case []any:
		if a, ok := after.([]any); ok {
			diffArrays(p, path, b, a)
			return
		}
	default:
		if scalarEqual(before, after) {
			return
		}
	}
	*p = append(*p, Op{Op: OpReplace, Path: path, Value: after})
}

func scalarEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func diffObjects(p *Patch, path Path, before, after map[string]any) {
	// Sorted keys keep patches deterministic.
	for _, k := range sortedKeys(before) {
		if _, ok := after[k]; !ok {
			*p = append(*p, Op{Op: OpRemove, Path: path.field(k)})
		}
	}
	for _, k := range sortedKeys(after) {
		bv, ok := before[k]
		if !ok {
			*p = append(*p, Op{Op: OpAdd, Path: path.field(k), Value: after[k]})
			continue
		}
		diff(p, path.field(k), bv, after[k])
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func diffArrays(p *Patch, path Path, before, after []any) {
	key, ok := sharedIdentity(before, after)
	if !ok {
		if !reflect.DeepEqual(before, after) {
			*p = append(*p, Op{Op: OpReplace, Path: path, Value: after})
		}
		return
	}

	afterByID := make(map[string]any, len(after))
	afterOrder := make([]string, len(after))
	for i, el := range after {
		id := elementID(el, key)
		afterByID[id] = el
		afterOrder[i] = id
	}
	beforeByID := make(map[string]any, len(before))
	var order []string // ids in the order the array will have after removals and additions
	for _, el := range before {
		id := elementID(el, key)
		beforeByID[id] = el
		if _, ok := afterByID[id]; !ok {
			*p = append(*p, Op{Op: OpRemove, Path: path.element(key, id)})
			continue
		}
		order = append(order, id)
	}
	for _, id := range afterOrder {
		bv, ok := beforeByID[id]
		if !ok {
			*p = append(*p, Op{Op: OpAdd, Path: path.element(key, id), Value: afterByID[id]})
			order = append(order, id)
			continue
		}
		diff(p, path.element(key, id), bv, afterByID[id])
	}
	if !slices.Equal(order, afterOrder) {
		*p = append(*p, Op{Op: OpReorder, Path: path, Key: key, Order: afterOrder})
	}
}

// sharedIdentity returns the identity key shared by the elements of both
// arrays. Either array may be empty, but not both.
func sharedIdentity(before, after []any) (string, bool) {
	if len(before) == 0 && len(after) == 0 {
		return "", false
	}
	kb, okb := identity(before)
	ka, oka := identity(after)
	switch {
	case len(before) == 0:
		return ka, oka
	case len(after) == 0:
		return kb, okb
	default:
		return kb, okb && oka && kb == ka
	}
}

// identity returns the identity key of a non-empty array: the first of
// IdentityKeys carried as a string by every element, with no duplicate values.
func identity(arr []any) (string, bool) {
	if len(arr) == 0 {
		return "", false
	}
	first, ok := arr[0].(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range IdentityKeys {
		if _, ok := first[key].(string); !ok {
			continue
		}
		seen := make(map[string]bool, len(arr))
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				return "", false
			}
			id, ok := m[key].(string)
			if !ok || seen[id] {
				return "", false
			}
			seen[id] = true
		}
		return key, true
	}
	return "", false
}

func elementID(el any, key string) string {
	return el.(map[string]any)[key].(string)
}

// indexOf returns the position of the element of arr whose key equals id.
func indexOf(arr []any, key, id string) int {
	for i, el := range arr {
		if m, ok := el.(map[string]any); ok {
			if v, ok := m[key].(string); ok && v == id {
				return i
			}
		}
	}
	return -1
}
