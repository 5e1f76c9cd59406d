package sketch_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hlld/internal/sketch"
)

func opts(precision uint8) sketch.Options {
	return sketch.Options{Precision: precision, EPS: 0.01, UseMmap: true}
}

func Test_Open_CreatesFolderAndStaysProxiedWithoutDiscover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(14), false)
	require.NoError(t, err)
	require.True(t, s.Proxied())

	_, err = os.Stat(sketch.DirForName(dir, "foo"))
	require.NoError(t, err)
}

func Test_Open_WithDiscover_FaultsInAndWritesConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(14), true)
	require.NoError(t, err)
	require.False(t, s.Proxied())

	_, err = os.Stat(filepath.Join(sketch.DirForName(dir, "foo"), "config.ini"))
	require.NoError(t, err)
}

func Test_Add_FaultsInProxiedSetAndMarksHotAndDirty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(14), false)
	require.NoError(t, err)
	require.False(t, s.Hot())

	require.NoError(t, s.Add([]byte("x")))
	require.False(t, s.Proxied())
	require.True(t, s.Hot())
	require.EqualValues(t, 1, s.Adds())

	// Dirty: Flush writes config.ini only for a dirty resident set, and
	// Open without discover wrote none.
	require.NoError(t, s.Flush())
	_, err = os.Stat(filepath.Join(sketch.DirForName(dir, "foo"), "config.ini"))
	require.NoError(t, err)
}

func Test_Size_ReturnsCachedEstimateWhileProxied(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(12), false)
	require.NoError(t, err)
	require.Zero(t, s.Size())
}

func Test_FlushCloseReopen_PreservesEstimate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "d", opts(12), false)
	require.NoError(t, err)

	for i := 0; i < 10000; i++ {
		require.NoError(t, s.Add([]byte(fmt.Sprintf("foobar%d", i))))
	}

	before := s.Size()
	require.InDelta(t, 10000, before, 200)

	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
	require.True(t, s.Proxied())

	reopened, err := sketch.Open(dir, "d", opts(12), false)
	require.NoError(t, err)
	require.Equal(t, before, reopened.Size())
}

func Test_TestAndClearHot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(10), false)
	require.NoError(t, err)
	require.NoError(t, s.Add([]byte("k")))

	require.True(t, s.TestAndClearHot())
	require.False(t, s.Hot())
	require.False(t, s.TestAndClearHot())
}

func Test_Close_IsIdempotentWhenProxied(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(10), false)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func Test_Delete_RemovesFolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(10), true)
	require.NoError(t, err)

	folder := sketch.DirForName(dir, "foo")
	_, err = os.Stat(folder)
	require.NoError(t, err)

	require.NoError(t, s.Delete())

	_, err = os.Stat(folder)
	require.True(t, os.IsNotExist(err))
}

func Test_InMemorySet_NeverTouchesDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "m", sketch.Options{Precision: 12, EPS: 0.01, InMemory: true}, false)
	require.NoError(t, err)
	require.False(t, s.Proxied())

	require.NoError(t, s.Add([]byte("k")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func Test_NameFromFolder(t *testing.T) {
	t.Parallel()

	name, ok := sketch.NameFromFolder("hlld.foo")
	require.True(t, ok)
	require.Equal(t, "foo", name)

	_, ok = sketch.NameFromFolder("not-a-set-dir")
	require.False(t, ok)
}

func Test_ByteSize_MatchesPrecisionWhenProxied(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := sketch.Open(dir, "foo", opts(14), false)
	require.NoError(t, err)
	// ceil(6*2^14/8): spec §4.2's explicit formula, which the literal
	// scenario text in §8 states inconsistently as 13108 — see DESIGN.md.
	require.Equal(t, 12288, s.ByteSize())
}
