package persist23

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	m := NewMap[string]()
	b := m.BeginWrite()
	require.NoError(t, b.Put(5, "five"))
	v, ok := b.Get(5)
	require.True(t, ok)
	require.Equal(t, "five", v)
	require.True(t, b.Commit())

	s := m.BeginRead()
	v, ok = s.Get(5)
	require.True(t, ok)
	require.Equal(t, "five", v)
}

func TestPutRejectsNilValue(t *testing.T) {
	m := NewMap[*int]()
	b := m.BeginWrite()
	err := b.Put(1, nil)
	require.Error(t, err)
}

func TestRemoveDecrementsSize(t *testing.T) {
	m := NewMap[int]()
	b := m.BeginWrite()
	require.NoError(t, b.Put(1, 100))
	require.NoError(t, b.Put(2, 200))
	require.True(t, b.Commit())

	b = m.BeginWrite()
	v, ok := b.Remove(1)
	require.True(t, ok)
	require.Equal(t, 100, v)
	require.Equal(t, 1, b.Size())
	require.True(t, b.Commit())

	s := m.BeginRead()
	_, ok = s.Get(1)
	require.False(t, ok)
	require.Equal(t, 1, s.Size())
}

func TestOrderedIteration(t *testing.T) {
	m := NewMap[int]()
	b := m.BeginWrite()
	for _, k := range []int64{5, 2, 8, 1, 9, 2} {
		require.NoError(t, b.Put(k, int(k)))
	}
	require.True(t, b.Commit())

	s := m.BeginRead()
	require.Equal(t, 5, s.Size())

	var got []int64
	s.ForEach(func(k int64, v int) bool {
		got = append(got, k)
		return true
	})
	require.Equal(t, []int64{1, 2, 5, 8, 9}, got)
}

func TestSnapshotImmutableAcrossMutation(t *testing.T) {
	m := NewMap[int]()
	b := m.BeginWrite()
	require.NoError(t, b.Put(1, 1))
	require.True(t, b.Commit())

	s := m.BeginRead()

	b2 := m.BeginWrite()
	require.NoError(t, b2.Put(2, 2))
	require.NoError(t, b2.Put(3, 3))
	require.True(t, b2.Commit())

	// s was taken before b2's mutations; it must not observe them.
	_, ok := s.Get(2)
	require.False(t, ok)
	require.Equal(t, 1, s.Size())
}

func TestConcurrentCommitOnlyOneWins(t *testing.T) {
	m := NewMap[int]()
	b := m.BeginWrite()
	require.NoError(t, b.Put(1, 1))
	require.True(t, b.Commit())

	base := m.BeginRead()
	_ = base

	b1 := m.BeginWrite()
	require.NoError(t, b1.Put(2, 2))

	b2 := m.BeginWrite()
	require.NoError(t, b2.Put(3, 3))

	ok1 := b1.Commit()
	ok2 := b2.Commit()
	require.True(t, ok1 != ok2, "exactly one of the two racing commits should succeed")

	s := m.BeginRead()
	if ok1 {
		_, has2 := s.Get(2)
		require.True(t, has2)
		_, has3 := s.Get(3)
		require.False(t, has3)
	} else {
		_, has3 := s.Get(3)
		require.True(t, has3)
		_, has2 := s.Get(2)
		require.False(t, has2)
	}
}

func TestRandomizedInsertDeleteAgainstMap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := NewMap[int]()
	reference := map[int64]int{}

	for round := 0; round < 200; round++ {
		b := m.BeginWrite()
		for i := 0; i < 5; i++ {
			k := rng.Int63n(50)
			if rng.Intn(2) == 0 {
				v := int(k) * 7
				require.NoError(t, b.Put(k, v))
				reference[k] = v
			} else {
				_, wasIn := reference[k]
				_, gotIn := b.Remove(k)
				require.Equal(t, wasIn, gotIn)
				delete(reference, k)
			}
		}
		require.True(t, b.Commit())

		s := m.BeginRead()
		require.Equal(t, len(reference), s.Size())
		var prev int64 = -1
		count := 0
		s.ForEach(func(k int64, v int) bool {
			require.Greater(t, k, prev)
			prev = k
			require.Equal(t, reference[k], v)
			count++
			return true
		})
		require.Equal(t, len(reference), count)
	}
}
