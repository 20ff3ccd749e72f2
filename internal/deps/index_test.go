package deps

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/flexcache/internal/element"
)

var page = element.ID("page", "article")

func TestInvalidateIsHierarchical(t *testing.T) {
	tests := []struct {
		changed string
		hit     bool
	}{
		{"/a/b", true},
		{"/a", true},
		{"/a/b/c", true},
		{"/x/y", false},
		{"/a/c", false},
	}
	for _, tc := range tests {
		t.Run(tc.changed, func(t *testing.T) {
			x := New()
			owner := Owner{Element: page, Key: "k"}
			x.Record([]string{"/a/b"}, owner)

			got := x.Invalidate([]string{tc.changed})
			if tc.hit {
				assert.Equal(t, []Owner{owner}, got)
				assert.Equal(t, 0, x.Len())
			} else {
				assert.Empty(t, got)
				assert.Equal(t, 1, x.Len())
			}
		})
	}
}

func TestInvalidateDedupesOwners(t *testing.T) {
	x := New()
	o1 := Owner{Element: page, Key: "1"}
	o2 := Owner{Element: page, Key: "2"}
	x.Record([]string{"/docs/a", "/docs/b"}, o1)
	x.Record([]string{"/docs/b"}, o2)
	x.Record([]string{"/other"}, o2)

	got := x.Invalidate([]string{"/docs"})
	assert.Equal(t, []Owner{o1, o2}, got)

	// Buckets outside the changed prefix survive.
	assert.Equal(t, 1, x.Len())
	assert.Equal(t, []Bucket{{Resource: "/other", Owners: []Owner{o2}}}, x.Dump())
}

func TestInvalidateIgnoresEmptyID(t *testing.T) {
	x := New()
	x.Record([]string{"/a", ""}, Owner{Element: page, Key: "k"})
	assert.Equal(t, 1, x.Len())
	assert.Empty(t, x.Invalidate([]string{""}))
	assert.Equal(t, 1, x.Len())
}

func TestForgetAndRemoveOwner(t *testing.T) {
	x := New()
	o := Owner{Element: page, Key: "k"}
	other := Owner{Element: page, Key: "other"}
	x.Record([]string{"/a", "/b", "/c"}, o)
	x.Record([]string{"/c"}, other)

	x.Forget([]string{"/a"}, o)
	assert.Equal(t, 3, x.Owners())

	assert.Equal(t, 2, x.RemoveOwner(o))
	assert.Equal(t, 1, x.Owners())
	assert.Equal(t, 0, x.RemoveOwner(o))

	assert.Equal(t, 1, x.RemoveElement(page))
	assert.Equal(t, 0, x.Len())
}

func TestTrackerInterface(t *testing.T) {
	var _ element.Tracker = (*Index)(nil)

	x := New()
	x.Track(page, 1, "k", []string{"/a"})
	require.Equal(t, 1, x.Owners())
	x.Untrack(page, 1, "k", []string{"/a"})
	assert.Equal(t, 0, x.Len())
}

func TestConcurrentRecordInvalidate(t *testing.T) {
	x := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := fmt.Sprintf("/w%d/%d", w, i%10)
				x.Record([]string{id}, Owner{Element: page, Key: id})
				if i%5 == 0 {
					x.Invalidate([]string{fmt.Sprintf("/w%d", w)})
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		x.Invalidate([]string{fmt.Sprintf("/w%d", w)})
	}
	assert.Equal(t, 0, x.Len())
}
