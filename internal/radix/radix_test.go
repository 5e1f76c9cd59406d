package radix_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hlld/internal/radix"
)

func Test_InsertSearch_RoundTrips(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()

	keys := []string{"foo", "foobar", "foozle", "bar", "baz", ""}
	for i, k := range keys {
		_, existed := tr.Insert([]byte(k), i)
		require.False(t, existed)
	}

	require.Equal(t, len(keys), tr.Len())

	for i, k := range keys {
		v, ok := tr.Search([]byte(k))
		require.True(t, ok, "key %q", k)
		require.Equal(t, i, v)
	}

	_, ok := tr.Search([]byte("nope"))
	require.False(t, ok)
}

func Test_Insert_ReplacesExistingValue(t *testing.T) {
	t.Parallel()

	tr := radix.New[string]()

	_, existed := tr.Insert([]byte("k"), "v1")
	require.False(t, existed)

	old, existed := tr.Insert([]byte("k"), "v2")
	require.True(t, existed)
	require.Equal(t, "v1", old)

	v, ok := tr.Search([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v2", v)
	require.Equal(t, 1, tr.Len())
}

func Test_NULTerminatedKeys_DisambiguatePrefixNames(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	tr.Insert([]byte("ab\x00"), 1)
	tr.Insert([]byte("abc\x00"), 2)

	v, ok := tr.Search([]byte("ab\x00"))
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = tr.Search([]byte("abc\x00"))
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func Test_Delete_RemovesKeyAndCompressesTree(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	tr.Insert([]byte("foo"), 1)
	tr.Insert([]byte("foobar"), 2)

	old, ok := tr.Delete([]byte("foo"))
	require.True(t, ok)
	require.Equal(t, 1, old)

	_, ok = tr.Search([]byte("foo"))
	require.False(t, ok)

	v, ok := tr.Search([]byte("foobar"))
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = tr.Delete([]byte("foo"))
	require.False(t, ok)
}

func Test_Delete_EmptiesTreeCompletely(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	tr.Insert([]byte("a"), 1)
	tr.Insert([]byte("ab"), 2)
	tr.Insert([]byte("abc"), 3)

	_, ok := tr.Delete([]byte("abc"))
	require.True(t, ok)
	_, ok = tr.Delete([]byte("ab"))
	require.True(t, ok)
	_, ok = tr.Delete([]byte("a"))
	require.True(t, ok)

	require.Zero(t, tr.Len())

	var seen []string
	tr.Iter(func(key []byte, val int) bool {
		seen = append(seen, string(key))

		return true
	})
	require.Empty(t, seen)
}

func Test_Iter_VisitsKeysInLexicographicOrder(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	keys := []string{"banana", "apple", "cherry", "app", "b"}

	for i, k := range keys {
		tr.Insert([]byte(k), i)
	}

	var got []string
	tr.Iter(func(key []byte, val int) bool {
		got = append(got, string(key))

		return true
	})

	want := append([]string{}, keys...)
	sort.Strings(want)

	require.Equal(t, want, got)
}

func Test_Iter_EarlyStop(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	tr.Insert([]byte("a"), 1)
	tr.Insert([]byte("b"), 2)
	tr.Insert([]byte("c"), 3)

	var visited int
	tr.Iter(func(key []byte, val int) bool {
		visited++

		return false
	})

	require.Equal(t, 1, visited)
}

func Test_IterPrefix_OnlyVisitsMatchingSubtree(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	for i, k := range []string{"foo", "foobar", "foobaz", "foozle", "bar"} {
		tr.Insert([]byte(k), i)
	}

	var got []string
	tr.IterPrefix([]byte("foob"), func(key []byte, val int) bool {
		got = append(got, string(key))

		return true
	})

	sort.Strings(got)
	require.Equal(t, []string{"foobar", "foobaz"}, got)
}

func Test_IterPrefix_EmptyPrefixVisitsEverything(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	for i, k := range []string{"x", "y", "z"} {
		tr.Insert([]byte(k), i)
	}

	var count int
	tr.IterPrefix(nil, func(key []byte, val int) bool {
		count++

		return true
	})

	require.Equal(t, 3, count)
}

func Test_IterPrefix_NoMatches(t *testing.T) {
	t.Parallel()

	tr := radix.New[int]()
	tr.Insert([]byte("foo"), 1)

	var count int
	tr.IterPrefix([]byte("zzz"), func(key []byte, val int) bool {
		count++

		return true
	})

	require.Zero(t, count)
}

func Test_Copy_SharesNoStorageWithSource(t *testing.T) {
	t.Parallel()

	src := radix.New[int]()
	src.Insert([]byte("foo"), 1)
	src.Insert([]byte("foobar"), 2)

	dst := radix.Copy(src)

	// Mutating the source after copying must not affect dst.
	src.Insert([]byte("foo"), 99)
	src.Delete([]byte("foobar"))
	src.Insert([]byte("new"), 3)

	v, ok := dst.Search([]byte("foo"))
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = dst.Search([]byte("foobar"))
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = dst.Search([]byte("new"))
	require.False(t, ok)

	require.Equal(t, 2, dst.Len())
}
