package util

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[string](2)

	_, evicted := r.Push("a")
	require.False(t, evicted)
	_, evicted = r.Push("b")
	require.False(t, evicted)

	old, evicted := r.Push("c")
	require.True(t, evicted)
	require.Equal(t, "a", old)
	require.Equal(t, []string{"b", "c"}, r.Snapshot())
	require.Equal(t, []string{"c"}, r.Last(1))
	require.Equal(t, 2, r.Len())
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	require.Equal(t, abs, ResolvePath("/base", abs))
	require.Equal(t, filepath.Join("base", "x.db"), ResolvePath("base", "x.db"))
}

func TestBackoffCaps(t *testing.T) {
	require.Equal(t, time.Second, Backoff(0, time.Second, 8*time.Second))
	require.Equal(t, 4*time.Second, Backoff(2, time.Second, 8*time.Second))
	require.Equal(t, 8*time.Second, Backoff(10, time.Second, 8*time.Second))
}
