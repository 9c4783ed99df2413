package shard

// DefaultChannels is the channel catalog used when none is configured.
var DefaultChannels = []string{"CH1", "CH2", "CH3"}

// Catalog is the fixed, ordered set of channel names clients may join.
// It is immutable after creation and safe for concurrent reads.
type Catalog struct {
	names []string
	set   map[string]struct{}
}

// NewCatalog builds a catalog from names, dropping blanks and duplicates
// while keeping first-seen order.
func NewCatalog(names []string) *Catalog {
	c := &Catalog{set: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := c.set[name]; dup {
			continue
		}
		c.set[name] = struct{}{}
		c.names = append(c.names, name)
	}
	return c
}

// Contains reports whether name is in the catalog.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.set[name]
	return ok
}

// Names returns a copy of the catalog in order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of channels.
func (c *Catalog) Len() int {
	return len(c.names)
}
