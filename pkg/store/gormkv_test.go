package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormKV(t *testing.T) {
	ctx := context.Background()
	kv, err := NewGormKV(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer kv.Close()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "derived_result_shu_M1", "100"))
	require.NoError(t, kv.Set(ctx, "derived_result_shu_M1", "200"))
	require.NoError(t, kv.Set(ctx, "derived_resultXshu_M2", "300"))
	require.NoError(t, kv.Set(ctx, "formula_generation", "4"))

	v, ok, err := kv.Get(ctx, "derived_result_shu_M1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "200", v)

	require.NoError(t, kv.DeletePrefix(ctx, "derived_result_"))

	_, ok, _ = kv.Get(ctx, "derived_result_shu_M1")
	assert.False(t, ok)
	_, ok, _ = kv.Get(ctx, "derived_resultXshu_M2")
	assert.True(t, ok, "underscore in the prefix must not act as a wildcard")
	_, ok, _ = kv.Get(ctx, "formula_generation")
	assert.True(t, ok)

	require.NoError(t, kv.Delete(ctx, "formula_generation"))
	_, ok, _ = kv.Get(ctx, "formula_generation")
	assert.False(t, ok)
}
