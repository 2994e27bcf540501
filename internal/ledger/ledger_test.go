package ledger

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AddIsIdempotent(t *testing.T) {
	l := NewMemory()

	l.Add("a", 1)
	l.Add("a", 3)
	l.Add("b", 2)

	assert.Equal(t, 2, l.Len())
	page, ok := l.firstSeen("a")
	require.True(t, ok)
	assert.Equal(t, 1, page)
	assert.True(t, l.Contains("b"))
	assert.False(t, l.Contains("c"))
}

func TestMemory_OverlapRatio(t *testing.T) {
	l := NewMemory()
	for i := 0; i < 9; i++ {
		l.Add(fmt.Sprintf("k%d", i), 1)
	}

	tests := []struct {
		name     string
		keys     []string
		expected float64
	}{
		{"empty set", nil, 0},
		{"all new", []string{"x", "y"}, 0},
		{"all seen", []string{"k1", "k2"}, 1},
		{"half seen", []string{"k1", "z"}, 0.5},
		{"duplicates count once", []string{"k1", "k1", "k1", "z"}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, l.OverlapRatio(tt.keys), 1e-9)
		})
	}
}

func TestMemory_ConcurrentAdd(t *testing.T) {
	l := NewMemory()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Add(fmt.Sprintf("k%d", i), w)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 100, l.Len())
}

func TestMemory_Seed(t *testing.T) {
	l := NewMemory()
	l.Add("a", 1)

	added := l.Seed(map[string]int{"a": 7, "b": 2, "c": 3})

	assert.Equal(t, 2, added)
	assert.Equal(t, 3, l.Len())
	page, ok := l.firstSeen("a")
	require.True(t, ok)
	assert.Equal(t, 1, page)
	page, _ = l.firstSeen("c")
	assert.Equal(t, 3, page)
}
