package broadcast

import (
	"errors"
	"fmt"
)

// ErrBadPatch is returned by Apply when an operation does not fit the tree.
var ErrBadPatch = errors.New("patch does not apply")

// Apply returns the result of applying patch to base. base is not modified;
// the result shares no memory with base or patch.
func Apply(base any, patch Patch) (any, error) {
	root := clone(base)
	for i, op := range patch {
		var err error
		root, err = applyOp(root, op.Path, op)
		if err != nil {
			return nil, fmt.Errorf("apply op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return root, nil
}

func applyOp(node any, path Path, op Op) (any, error) {
	switch {
	case len(path) == 0:
		return applyHere(node, op)
	case len(path) == 1 && (op.Op == OpAdd || op.Op == OpRemove):
		return applyChild(node, path[0], op)
	}
	seg := path[0]
	switch n := node.(type) {
	case map[string]any:
		if seg.Key != "" {
			return nil, fmt.Errorf("%w: element segment %s on an object", ErrBadPatch, seg)
		}
		child, ok := n[seg.Field]
		if !ok {
			return nil, fmt.Errorf("%w: no field %q", ErrBadPatch, seg.Field)
		}
		v, err := applyOp(child, path[1:], op)
		if err != nil {
			return nil, err
		}
		n[seg.Field] = v
		return n, nil
	case []any:
		if seg.Key == "" {
			return nil, fmt.Errorf("%w: field segment %s on an array", ErrBadPatch, seg)
		}
		i := indexOf(n, seg.Key, seg.ID)
		if i < 0 {
			return nil, fmt.Errorf("%w: no element %s", ErrBadPatch, seg)
		}
		v, err := applyOp(n[i], path[1:], op)
		if err != nil {
			return nil, err
		}
		n[i] = v
		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T", ErrBadPatch, node)
	}
}

// applyHere applies an operation addressed at node itself.
func applyHere(node any, op Op) (any, error) {
	switch op.Op {
	case OpAdd, OpReplace:
		return clone(op.Value), nil
	case OpReorder:
		arr, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: reorder of %T", ErrBadPatch, node)
		}
		return reorder(arr, op.Key, op.Order)
	case OpRemove:
		return nil, fmt.Errorf("%w: remove of the root", ErrBadPatch)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrBadPatch, op.Op)
	}
}

// applyChild applies an add or remove addressed at a direct child of node.
func applyChild(node any, seg Segment, op Op) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if seg.Key != "" {
			return nil, fmt.Errorf("%w: element segment %s on an object", ErrBadPatch, seg)
		}
		if op.Op == OpAdd {
			n[seg.Field] = clone(op.Value)
			return n, nil
		}
		if _, ok := n[seg.Field]; !ok {
			return nil, fmt.Errorf("%w: no field %q", ErrBadPatch, seg.Field)
		}
		delete(n, seg.Field)
		return n, nil
	case []any:
		if seg.Key == "" {
			return nil, fmt.Errorf("%w: field segment %s on an array", ErrBadPatch, seg)
		}
		i := indexOf(n, seg.Key, seg.ID)
		if op.Op == OpAdd {
			if i >= 0 {
				return nil, fmt.Errorf("%w: duplicate element %s", ErrBadPatch, seg)
			}
			return append(n, clone(op.Value)), nil
		}
		if i < 0 {
			return nil, fmt.Errorf("%w: no element %s", ErrBadPatch, seg)
		}
		return append(n[:i], n[i+1:]...), nil
	default:
		return nil, fmt.Errorf("%w: %s of a child of %T", ErrBadPatch, op.Op, node)
	}
}

func reorder(arr []any, key string, order []string) ([]any, error) {
	if len(order) != len(arr) {
		return nil, fmt.Errorf("%w: reorder of %d elements into %d ids", ErrBadPatch, len(arr), len(order))
	}
	out := make([]any, 0, len(arr))
	for _, id := range order {
		i := indexOf(arr, key, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: no element [%s=%s] to reorder", ErrBadPatch, key, id)
		}
		out = append(out, arr[i])
	}
	return out, nil
}

// clone deep-copies a generic JSON tree.
func clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = clone(e)
		}
		return m
	case []any:
		if v == nil {
			return v
		}
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = clone(e)
		}
		return s
	default:
		return v
	}
}
