package files

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*S3Store)(nil)
)

func TestMemoryStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	src := []byte("hello")
	require.NoError(t, s.Put(ctx, "cat", "/notes.txt", src))
	src[0] = 'j'

	got, err := s.Get(ctx, " cat ", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "stored bytes are copied")

	require.NoError(t, s.Put(ctx, "cat", "b.md", nil))
	require.NoError(t, s.Put(ctx, "other", "c.md", nil))
	names, err := s.List(ctx, "cat")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.md", "notes.txt"}, names)

	_, err = s.Get(ctx, "cat", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.Put(ctx, "", "x", nil))
	assert.Error(t, s.Put(ctx, "cat", " ", nil))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "c1/a/b.txt", Key(" c1 ", "/a/b.txt"))
}
