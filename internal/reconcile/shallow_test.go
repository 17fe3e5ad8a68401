package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShallowEqual(t *testing.T) {
	assert.True(t, ShallowEqual(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"a": 1, "b": 2},
		nil))

	assert.False(t, ShallowEqual(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"a": 1, "b": 3},
		nil))

	assert.True(t, ShallowEqual(
		map[string]any{"a": 1, "updatedAt": 5},
		map[string]any{"a": 1, "updatedAt": 9},
		[]string{"updatedAt"}))
}

func TestShallowEqualKeySets(t *testing.T) {
	assert.False(t, ShallowEqual(
		map[string]any{"a": 1},
		map[string]any{"a": 1, "b": 2},
		nil))

	// Ignored keys do not count toward the key set.
	assert.True(t, ShallowEqual(
		map[string]any{"a": 1},
		map[string]any{"a": 1, "updatedAt": 7},
		[]string{"updatedAt"}))
}

func TestShallowEqualNested(t *testing.T) {
	inner := map[string]any{"x": 1}

	// Nested maps compare by reference: the shared instance is "unchanged",
	// an equal-but-distinct copy is not.
	assert.True(t, ShallowEqual(
		map[string]any{"a": inner},
		map[string]any{"a": inner},
		nil))
	assert.False(t, ShallowEqual(
		map[string]any{"a": inner},
		map[string]any{"a": map[string]any{"x": 1}},
		nil))
}

func TestShallowEqualNil(t *testing.T) {
	assert.True(t, ShallowEqual(nil, nil, nil))
	assert.False(t, ShallowEqual(nil, map[string]any{}, nil))
}
