package delta

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ChangeOp identifies the kind of field-level change.
type ChangeOp string

const (
	OpSet         ChangeOp = "SET"
	OpDelete      ChangeOp = "DELETE"
	OpArrayInsert ChangeOp = "ARRAY_INSERT"
	OpArrayDelete ChangeOp = "ARRAY_DELETE"
)

// Change is one field-level mutation. Path is dot-separated; array elements
// are addressed by decimal index ("tags.2"). Value is nil for deletes.
type Change struct {
	Path  string   `json:"path"`
	Op    ChangeOp `json:"op"`
	Value any      `json:"value,omitempty"`
}

// FieldConflict records a path both sides changed to different values.
type FieldConflict struct {
	Path   string `json:"path"`
	ValueA any    `json:"value_a"`
	ValueB any    `json:"value_b"`
}

// MergeResult separates the best-effort merged value from the paths the merge
// could not decide. Callers must treat a non-empty Conflicts as unresolved.
type MergeResult struct {
	Merged    map[string]any
	Conflicts []FieldConflict
}

// ErrTargetMissing is returned by Apply when a change addresses a path whose
// parent does not exist in the base value.
var ErrTargetMissing = errors.New("delta target missing")

// Diff computes the ordered change list that transforms before into after.
// Keys are traversed in lexicographic order so the same pair of states always
// yields the same list.
func Diff(before, after map[string]any) []Change {
	var changes []Change
	diffMaps("", before, after, &changes)
	return changes
}

func diffMaps(prefix string, before, after map[string]any, out *[]Change) {
	for _, key := range sortedKeys(before, after) {
		path := joinPath(prefix, key)
		bv, inBefore := before[key]
		av, inAfter := after[key]

		switch {
		case !inAfter:
			*out = append(*out, Change{Path: path, Op: OpDelete})
		case !inBefore:
			*out = append(*out, Change{Path: path, Op: OpSet, Value: av})
		default:
			diffValues(path, bv, av, out)
		}
	}
}

func diffValues(path string, before, after any, out *[]Change) {
	bm, bIsMap := before.(map[string]any)
	am, aIsMap := after.(map[string]any)
	if bIsMap && aIsMap {
		diffMaps(path, bm, am, out)
		return
	}

	bs, bIsSlice := before.([]any)
	as, aIsSlice := after.([]any)
	if bIsSlice && aIsSlice {
		diffSlices(path, bs, as, out)
		return
	}

	if !reflect.DeepEqual(before, after) {
		*out = append(*out, Change{Path: path, Op: OpSet, Value: after})
	}
}

// diffSlices emits per-index sets for changed positions, then tail inserts or
// deletes for a length difference. Tail deletes are emitted highest index
// first so applying them in list order stays valid.
func diffSlices(path string, before, after []any, out *[]Change) {
	shared := len(before)
	if len(after) < shared {
		shared = len(after)
	}
	for i := 0; i < shared; i++ {
		if !reflect.DeepEqual(before[i], after[i]) {
			*out = append(*out, Change{Path: indexPath(path, i), Op: OpSet, Value: after[i]})
		}
	}
	for i := shared; i < len(after); i++ {
		*out = append(*out, Change{Path: indexPath(path, i), Op: OpArrayInsert, Value: after[i]})
	}
	for i := len(before) - 1; i >= shared; i-- {
		*out = append(*out, Change{Path: indexPath(path, i), Op: OpArrayDelete})
	}
}

// Apply returns a new value with the delta's changes applied in list order.
// The base is never mutated. Applying an empty delta is the identity.
func Apply(base map[string]any, changes []Change) (map[string]any, error) {
	result := deepCopyMap(base)
	for _, ch := range changes {
		if err := applyChange(result, ch); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func applyChange(root map[string]any, ch Change) error {
	segments := strings.Split(ch.Path, ".")
	parent, leaf, err := walk(root, segments, ch.Path)
	if err != nil {
		return err
	}

	switch container := parent.(type) {
	case map[string]any:
		switch ch.Op {
		case OpSet:
			container[leaf] = ch.Value
		case OpDelete:
			delete(container, leaf)
		default:
			return fmt.Errorf("%w: %s op on object field %q", ErrTargetMissing, ch.Op, ch.Path)
		}
		return nil
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil || idx < 0 {
			return fmt.Errorf("%w: bad array index in %q", ErrTargetMissing, ch.Path)
		}
		return applyArrayChange(root, segments, container, idx, ch)
	default:
		return fmt.Errorf("%w: %q does not address a container", ErrTargetMissing, ch.Path)
	}
}

func applyArrayChange(root map[string]any, segments []string, arr []any, idx int, ch Change) error {
	switch ch.Op {
	case OpSet:
		if idx >= len(arr) {
			return fmt.Errorf("%w: index %d out of range in %q", ErrTargetMissing, idx, ch.Path)
		}
		arr[idx] = ch.Value
		return nil
	case OpArrayInsert:
		if idx > len(arr) {
			return fmt.Errorf("%w: insert index %d out of range in %q", ErrTargetMissing, idx, ch.Path)
		}
		arr = append(arr[:idx], append([]any{ch.Value}, arr[idx:]...)...)
	case OpArrayDelete:
		if idx >= len(arr) {
			return fmt.Errorf("%w: delete index %d out of range in %q", ErrTargetMissing, idx, ch.Path)
		}
		arr = append(arr[:idx], arr[idx+1:]...)
	default:
		return fmt.Errorf("%w: %s op on array %q", ErrTargetMissing, ch.Op, ch.Path)
	}
	// Inserts and deletes reallocate, so the parent slot must be rewritten.
	return replaceSlice(root, segments[:len(segments)-1], arr)
}

// walk descends to the parent container of the path's final segment.
func walk(root map[string]any, segments []string, full string) (parent any, leaf string, err error) {
	var current any = root
	for _, seg := range segments[:len(segments)-1] {
		switch container := current.(type) {
		case map[string]any:
			next, ok := container[seg]
			if !ok {
				return nil, "", fmt.Errorf("%w: %q has no field %q", ErrTargetMissing, full, seg)
			}
			current = next
		case []any:
			idx, convErr := strconv.Atoi(seg)
			if convErr != nil || idx < 0 || idx >= len(container) {
				return nil, "", fmt.Errorf("%w: bad array index %q in %q", ErrTargetMissing, seg, full)
			}
			current = container[idx]
		default:
			return nil, "", fmt.Errorf("%w: %q descends through a scalar", ErrTargetMissing, full)
		}
	}
	return current, segments[len(segments)-1], nil
}

func replaceSlice(root map[string]any, parentSegments []string, arr []any) error {
	if len(parentSegments) == 0 {
		return fmt.Errorf("%w: array cannot be the document root", ErrTargetMissing)
	}
	grand, leaf, err := walk(root, parentSegments, strings.Join(parentSegments, "."))
	if err != nil {
		return err
	}
	switch container := grand.(type) {
	case map[string]any:
		container[leaf] = arr
	case []any:
		idx, convErr := strconv.Atoi(leaf)
		if convErr != nil || idx < 0 || idx >= len(container) {
			return fmt.Errorf("%w: bad array index %q", ErrTargetMissing, leaf)
		}
		container[idx] = arr
	default:
		return fmt.Errorf("%w: parent of array is a scalar", ErrTargetMissing)
	}
	return nil
}

// Merge performs a three-way merge of two deltas derived from the same base.
// A path touched by one side applies as-is; a path both sides changed to the
// same result applies once; a disagreement becomes a FieldConflict instead of
// a guess.
func Merge(base map[string]any, deltaA, deltaB []Change) (MergeResult, error) {
	byPathB := indexByPath(deltaB)

	var merged []Change
	var conflicts []FieldConflict

	// Keep each delta's internal order: Diff emits changes in an order that is
	// valid to apply sequentially (tail array deletes highest index first),
	// and re-sorting across deltas would break that.
	seenA := make(map[string]struct{}, len(deltaA))
	for _, ca := range deltaA {
		seenA[ca.Path] = struct{}{}
		cb, inB := byPathB[ca.Path]
		switch {
		case !inB:
			merged = append(merged, ca)
		case ca.Op == cb.Op && reflect.DeepEqual(ca.Value, cb.Value):
			merged = append(merged, ca)
		default:
			conflicts = append(conflicts, FieldConflict{Path: ca.Path, ValueA: ca.Value, ValueB: cb.Value})
		}
	}
	for _, cb := range deltaB {
		if _, inA := seenA[cb.Path]; !inA {
			merged = append(merged, cb)
		}
	}

	value, err := Apply(base, merged)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Merged: value, Conflicts: conflicts}, nil
}

func indexByPath(changes []Change) map[string]Change {
	out := make(map[string]Change, len(changes))
	for _, ch := range changes {
		out[ch.Path] = ch
	}
	return out
}

func sortedKeys(maps ...map[string]any) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func indexPath(path string, i int) string {
	return path + "." + strconv.Itoa(i)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
