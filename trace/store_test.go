package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteSymbolStore {
	t.Helper()
	s, err := OpenSymbolStore(SymbolDBPath(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSymbolStore_ReplaceFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceFile(ctx, "a.go", []Symbol{
		{Name: "Foo", Kind: KindClass, Line: 3},
		{Name: "Bar", Kind: KindFunction, Line: 10},
	}))
	require.NoError(t, s.ReplaceFile(ctx, "b.go", []Symbol{{Name: "Foo", Kind: KindFunction, Line: 1}}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.ReplaceFile(ctx, "a.go", []Symbol{{Name: "Baz", Kind: KindFunction, Line: 2}}))

	syms, err := s.SymbolsForFile(ctx, "a.go")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "Baz", syms[0].Name)

	other, err := s.SymbolsForFile(ctx, "b.go")
	require.NoError(t, err)
	assert.Len(t, other, 1, "replacing one file leaves others untouched")
}

func TestSymbolStore_Find(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceFile(ctx, "a.go", []Symbol{
		{Name: "FooBar", Kind: KindFunction, Line: 1},
		{Name: "Foo", Kind: KindClass, Line: 5},
		{Name: "Foo_x", Kind: KindClass, Line: 9},
	}))

	all, err := s.Find(ctx, "Foo", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Foo", all[0].Name, "exact match first")

	classes, err := s.Find(ctx, "Foo", KindClass, 10)
	require.NoError(t, err)
	assert.Len(t, classes, 2)

	literal, err := s.Find(ctx, "Foo_", "", 10)
	require.NoError(t, err)
	require.Len(t, literal, 1, "underscore is not a wildcard")
	assert.Equal(t, "Foo_x", literal[0].Name)
}

func TestSymbolStore_DeleteAndReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceFile(ctx, "a.go", []Symbol{{Name: "A", Kind: KindFunction, Line: 1}}))
	require.NoError(t, s.ReplaceFile(ctx, "b.go", []Symbol{{Name: "B", Kind: KindFunction, Line: 1}}))

	require.NoError(t, s.DeleteFile(ctx, "a.go"))
	n, _ := s.Count(ctx)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Reset(ctx))
	n, _ = s.Count(ctx)
	assert.Equal(t, 0, n)
}
