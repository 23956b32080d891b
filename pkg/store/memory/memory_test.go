package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchdb/finch/pkg/store"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, []byte("missing"))
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, []byte("k"), []byte("v1")))
	v, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, s.Set(ctx, []byte("k"), []byte("v2")))
	v, err = s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	existed, err := s.Del(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Del(ctx, []byte("k"))
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.Exists(ctx, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, []byte("k"), nil))
	ok, err = s.Exists(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()

	val := []byte("original")
	require.NoError(t, s.Set(ctx, []byte("k"), val))
	val[0] = 'X'

	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	got[1] = 'Y'
	again, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(again))
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, s.Set(ctx, []byte("b"), []byte("2")))
	require.NoError(t, s.Set(ctx, []byte("empty"), nil))

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot(ctx, &buf))

	restored := New()
	require.NoError(t, restored.Set(ctx, []byte("stale"), []byte("gone")))
	require.NoError(t, restored.Restore(ctx, &buf))

	v, err := restored.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	v, err = restored.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	ok, err := restored.Exists(ctx, []byte("empty"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Restore replaces the keyspace wholesale.
	_, err = restored.Get(ctx, []byte("stale"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	s := New()
	err := s.Restore(context.Background(), bytes.NewReader([]byte{0xff, 0xff}))
	require.Error(t, err)
}
