// internal/deps/index.go
//
// Reverse dependency index: resource id → owners (element, entry generation, variant key).
//
// Context
// -------
// A variant built from external resources (VFS paths, content ids) lists
// them as dependencies.  The index maps each resource id back to every
// variant that listed it, so a publish carrying changed ids can find and
// drop exactly the affected variants.
//
// Matching is hierarchical in both directions: a changed id R hits bucket D
// when R is a prefix of D (a folder changed) or D is a prefix of R (a
// variant depends on the folder containing the changed file).  Matching is
// plain string prefix.  "/a" therefore also matches "/ab".
//
// Notes
// -----
//   - Invalidate and RemoveOwner scan every bucket.  The index holds at
//     most element-capacity × variant-capacity owners, and a prefix trie
//     would change which buckets match in the edge cases above.
//   - The index only owns bookkeeping.  Callers drop the returned variants
//     from their entries.
//   - Oxford commas, two spaces after periods.
package deps

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/yanizio/flexcache/internal/element"
)

// Owner is one variant of one element.  Gen is the owning entry's
// generation, so two entries for the same identity never share an owner.
type Owner struct {
	Element element.Identity `json:"element"`
	Gen     uint64           `json:"gen"`
	Key     string           `json:"key"`
}

// Index is safe for concurrent use.
type Index struct {
	mu      sync.Mutex
	buckets map[string]map[Owner]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{buckets: make(map[string]map[Owner]struct{})}
}

// Record adds owner under every id in ids.  Empty ids are ignored.
func (x *Index) Record(ids []string, owner Owner) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		b, ok := x.buckets[id]
		if !ok {
			b = make(map[Owner]struct{}, 1)
			x.buckets[id] = b
		}
		b[owner] = struct{}{}
	}
}

// Forget removes owner from the buckets named by ids.  This is the targeted
// counterpart of RemoveOwner and is used whenever the removed variant's
// dependency list is known.
func (x *Index) Forget(ids []string, owner Owner) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		x.dropLocked(id, owner)
	}
}

// Track implements element.Tracker.
func (x *Index) Track(id element.Identity, gen uint64, key string, deps []string) {
	x.Record(deps, Owner{Element: id, Gen: gen, Key: key})
}

// Untrack implements element.Tracker.
func (x *Index) Untrack(id element.Identity, gen uint64, key string, deps []string) {
	x.Forget(deps, Owner{Element: id, Gen: gen, Key: key})
}

// Invalidate removes every bucket matched by a changed id and returns the
// owners it held, de-duplicated and sorted.  Empty changed ids are ignored
// because the empty string is a prefix of everything.
func (x *Index) Invalidate(changed []string) []Owner {
	x.mu.Lock()
	defer x.mu.Unlock()

	hit := make(map[Owner]struct{})
	for d, b := range x.buckets {
		if !matchesAny(d, changed) {
			continue
		}
		for o := range b {
			hit[o] = struct{}{}
		}
		delete(x.buckets, d)
	}
	return sortOwners(hit)
}

// RemoveOwner strips owner from every bucket by linear scan.
func (x *Index) RemoveOwner(owner Owner) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for d, b := range x.buckets {
		if _, ok := b[owner]; ok {
			n++
			delete(b, owner)
			if len(b) == 0 {
				delete(x.buckets, d)
			}
		}
	}
	return n
}

// RemoveElement strips every owner belonging to id.
func (x *Index) RemoveElement(id element.Identity) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for d, b := range x.buckets {
		for o := range b {
			if o.Element == id {
				delete(b, o)
				n++
			}
		}
		if len(b) == 0 {
			delete(x.buckets, d)
		}
	}
	return n
}

// Len reports the number of resource ids with at least one owner.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.buckets)
}

// Owners reports the total number of (resource, owner) pairs.
func (x *Index) Owners() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, b := range x.buckets {
		n += len(b)
	}
	return n
}

// Bucket is one resource id and its owners, as reported by Dump.
type Bucket struct {
	Resource string  `json:"resource"`
	Owners   []Owner `json:"owners"`
}

// Dump returns a sorted snapshot for diagnostics.
func (x *Index) Dump() []Bucket {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Bucket, 0, len(x.buckets))
	for d, b := range x.buckets {
		out = append(out, Bucket{Resource: d, Owners: sortOwners(b)})
	}
	slices.SortFunc(out, func(a, b Bucket) int { return strings.Compare(a.Resource, b.Resource) })
	return out
}

func (x *Index) dropLocked(id string, owner Owner) {
	b, ok := x.buckets[id]
	if !ok {
		return
	}
	delete(b, owner)
	if len(b) == 0 {
		delete(x.buckets, id)
	}
}

func matchesAny(d string, changed []string) bool {
	for _, r := range changed {
		if r == "" {
			continue
		}
		if strings.HasPrefix(d, r) || strings.HasPrefix(r, d) {
			return true
		}
	}
	return false
}

func sortOwners(set map[Owner]struct{}) []Owner {
	out := make([]Owner, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b Owner) int {
		return cmp.Or(
			strings.Compare(a.Element.Producer, b.Element.Producer),
			strings.Compare(a.Element.Template, b.Element.Template),
			strings.Compare(a.Key, b.Key),
			cmp.Compare(a.Gen, b.Gen),
		)
	})
	return out
}
