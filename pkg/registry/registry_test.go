package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r *Registry[int], id CursorID) []int {
	t.Helper()
	var seen []int
	for {
		item, ok, err := r.GetNext(id)
		require.NoError(t, err)
		if !ok {
			return seen
		}
		seen = append(seen, item)
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := New[int]()

	require.NoError(t, r.Add(1))
	require.NoError(t, r.Add(2))
	assert.ErrorIs(t, r.Add(1), ErrDuplicate)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains(2))

	require.NoError(t, r.Remove(1))
	assert.ErrorIs(t, r.Remove(1), ErrNotFound)
	assert.False(t, r.Contains(1))
	assert.Equal(t, []int{2}, r.Items())

	// freed slot is reused
	require.NoError(t, r.Add(3))
	assert.Equal(t, []int{3, 2}, r.Items())
}

func TestRegistry_IterationVisitsEveryItem(t *testing.T) {
	r := New[int]()
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Add(i))
	}

	id := r.StartIterating()
	defer r.StopIterating(id)

	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, drain(t, r, id))

	// the end keeps being reported
	_, ok, err := r.GetNext(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_EmptyIteration(t *testing.T) {
	r := New[string]()
	id := r.StartIterating()
	defer r.StopIterating(id)

	_, ok, err := r.GetNext(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_ConcurrentCursorsSeeWholePopulation(t *testing.T) {
	r := New[int]()
	const members = 200
	for i := 0; i < members; i++ {
		require.NoError(t, r.Add(i))
	}

	const consumers = 8
	results := make([]map[int]int, consumers)
	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			counts := make(map[int]int)
			id := r.StartIterating()
			defer r.StopIterating(id)
			for {
				item, ok, err := r.GetNext(id)
				if err != nil || !ok {
					break
				}
				counts[item]++
			}
			results[c] = counts
		}(c)
	}
	wg.Wait()

	for c, counts := range results {
		assert.Len(t, counts, members, "consumer %d", c)
		for item, n := range counts {
			assert.Equal(t, 1, n, "consumer %d visited %d", c, item)
		}
	}
	assert.Equal(t, 0, r.Cursors())
}

func TestRegistry_CursorInvalidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Registry[int]) error
	}{
		{name: "add", mutate: func(r *Registry[int]) error { return r.Add(99) }},
		{name: "remove", mutate: func(r *Registry[int]) error { return r.Remove(1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New[int]()
			require.NoError(t, r.Add(1))
			require.NoError(t, r.Add(2))

			id := r.StartIterating()
			defer r.StopIterating(id)

			_, ok, err := r.GetNext(id)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, tt.mutate(r))

			_, ok, err = r.GetNext(id)
			assert.ErrorIs(t, err, ErrModified)
			assert.False(t, ok)

			// a fresh cursor works again
			fresh := r.StartIterating()
			defer r.StopIterating(fresh)
			assert.NotEmpty(t, drain(t, r, fresh))
		})
	}
}

func TestRegistry_FailedMutationKeepsCursorValid(t *testing.T) {
	r := New[int]()
	require.NoError(t, r.Add(1))

	id := r.StartIterating()
	defer r.StopIterating(id)

	assert.ErrorIs(t, r.Add(1), ErrDuplicate)
	assert.ErrorIs(t, r.Remove(7), ErrNotFound)

	assert.Equal(t, []int{1}, drain(t, r, id))
}

func TestRegistry_UnknownCursor(t *testing.T) {
	r := New[int]()
	_, _, err := r.GetNext(42)
	assert.ErrorIs(t, err, ErrUnknownCursor)

	id := r.StartIterating()
	r.StopIterating(id)
	r.StopIterating(id)
	_, _, err = r.GetNext(id)
	assert.ErrorIs(t, err, ErrUnknownCursor)
	assert.Equal(t, 0, r.Cursors())
}

func TestRegistry_Find(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Add("alpha"))
	require.NoError(t, r.Add("beta"))

	got, ok := r.Find(func(s string) bool { return s[0] == 'b' })
	assert.True(t, ok)
	assert.Equal(t, "beta", got)

	_, ok = r.Find(func(s string) bool { return s == "gamma" })
	assert.False(t, ok)
}

func TestRegistry_MutationRaceEndsIterationEarly(t *testing.T) {
	r := New[int]()
	for i := 0; i < 50; i++ {
		require.NoError(t, r.Add(i))
	}

	id := r.StartIterating()
	defer r.StopIterating(id)

	// consume part of the population
	visited := make(map[int]int)
	for i := 0; i < 10; i++ {
		item, ok, err := r.GetNext(id)
		require.NoError(t, err)
		require.True(t, ok)
		visited[item]++
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.Add(1000)
	}()
	go func() {
		defer wg.Done()
		_ = r.Remove(1000)
	}()
	wg.Wait()

	var modified bool
	for {
		item, ok, err := r.GetNext(id)
		if errors.Is(err, ErrModified) {
			modified = true
			break
		}
		require.NoError(t, err)
		if !ok {
			break
		}
		visited[item]++
	}

	assert.True(t, modified)
	assert.Len(t, visited, 10)
	for item, n := range visited {
		assert.Equal(t, 1, n, "item %d visited twice", item)
	}
}
