package domain

// Catalog is a set of slices keyed by Slice.Key. The zero value is not
// usable; construct with NewCatalog.
type Catalog struct {
	slices map[string]Slice
}

// NewCatalog builds a catalog from the given slices. Duplicate keys collapse
// to one entry.
func NewCatalog(slices ...Slice) Catalog {
	c := Catalog{slices: make(map[string]Slice, len(slices))}
	for _, s := range slices {
		c.slices[s.Key()] = s
	}
	return c
}

// Add inserts a slice, replacing any existing entry with the same key.
func (c Catalog) Add(s Slice) {
	c.slices[s.Key()] = s
}

// Contains reports membership by slice key.
func (c Catalog) Contains(s Slice) bool {
	_, ok := c.slices[s.Key()]
	return ok
}

// Len returns the number of slices in the catalog.
func (c Catalog) Len() int {
	return len(c.slices)
}

// Slices returns the members sorted by key.
func (c Catalog) Slices() []Slice {
	out := make([]Slice, 0, len(c.slices))
	for _, s := range c.slices {
		out = append(out, s)
	}
	SortSlices(out)
	return out
}

// ComputePending returns the slices offered remotely but absent from the
// published catalog, sorted by key. It is a pure set difference: no slice
// present in published is ever returned, and empty input yields empty output.
func ComputePending(remote, published Catalog) []Slice {
	pending := make([]Slice, 0, remote.Len())
	for _, s := range remote.slices {
		if !published.Contains(s) {
			pending = append(pending, s)
		}
	}
	SortSlices(pending)
	return pending
}
