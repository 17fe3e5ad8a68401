// Package reconcile filters redundant cache writes. When a subscription
// echoes back a change the client just made, comparing the incoming record
// against the cached one lets us skip the write and the UI callback.
package reconcile

import "reflect"

// ShallowEqual reports whether two records match on their top-level fields,
// ignoring the given keys. Nested values are compared by interface equality
// only; maps and slices inside a record therefore compare unequal unless
// referentially stable, which is intentionally coarse. This is a cheap
// pre-filter, never a correctness-critical diff.
func ShallowEqual(a, b map[string]any, ignore []string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	ignored := make(map[string]bool, len(ignore))
	for _, k := range ignore {
		ignored[k] = true
	}

	countA := 0
	for k := range a {
		if !ignored[k] {
			countA++
		}
	}
	countB := 0
	for k := range b {
		if !ignored[k] {
			countB++
		}
	}
	if countA != countB {
		return false
	}

	for k, va := range a {
		if ignored[k] {
			continue
		}
		vb, ok := b[k]
		if !ok {
			return false
		}
		if !interfaceEqual(va, vb) {
			return false
		}
	}
	return true
}

// interfaceEqual is strict equality; maps, slices and funcs fall back to
// reference identity so that only referentially stable nested structures
// count as unchanged.
func interfaceEqual(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return va.Pointer() == vb.Pointer()
	case reflect.Invalid:
		return true // both nil
	default:
		return a == b
	}
}
