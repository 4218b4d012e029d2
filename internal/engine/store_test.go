package engine

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBasics(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Set("a", 1)
	s.Set("b", "two")

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	keys := s.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestMetadataDeepCopiesSeed(t *testing.T) {
	seed := map[string]any{
		"scalar": "x",
		"nested": map[string]any{"k": "v"},
		"list":   []any{1, 2},
	}

	md := newMetadata(seed)
	nested, ok := md.Get("nested")
	require.True(t, ok)
	nested.(map[string]any)["k"] = "mutated"

	assert.Equal(t, "v", seed["nested"].(map[string]any)["k"], "the seed must not alias run metadata")
}

func TestMetadataSnapshotIsDetached(t *testing.T) {
	md := newMetadata(map[string]any{"nested": map[string]any{"k": "v"}})

	snap := md.Snapshot()
	snap["nested"].(map[string]any)["k"] = "changed"

	current, _ := md.Get("nested")
	assert.Equal(t, "v", current.(map[string]any)["k"])
}

func TestMetadataNilSeed(t *testing.T) {
	md := newMetadata(nil)
	md.Set("k", "v")
	v, ok := md.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestDeepCopyValue(t *testing.T) {
	original := map[string]any{
		"m": map[string]any{"inner": []any{map[string]any{"deep": true}}},
	}
	copied := deepCopyValue(original).(map[string]any)

	copied["m"].(map[string]any)["inner"].([]any)[0].(map[string]any)["deep"] = false
	assert.Equal(t, true, original["m"].(map[string]any)["inner"].([]any)[0].(map[string]any)["deep"])
}
