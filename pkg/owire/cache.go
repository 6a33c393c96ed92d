package owire

// CacheTable implements the symmetric object cache referenced in spec
// §4.1: "common small objects (destinations, ids) may be sent once and
// referenced by a short integer thereafter, with sender and receiver
// maintaining symmetric tables." Both marshal and unmarshal sides keep an
// instance; the marshal side assigns the next free slot the first time it
// sees a value and both sides then agree on the index.
type CacheTable struct {
	bySlot []string
	byVal  map[string]int32
	next   int32
}

func NewCacheTable() *CacheTable {
	return &CacheTable{byVal: make(map[string]int32)}
}

// Intern returns the slot for val, assigning a fresh one and reporting
// isNew=true the first time val is seen. The marshal side uses isNew to
// decide whether to write the full value alongside the slot index or just
// the index.
func (c *CacheTable) Intern(val string) (slot int32, isNew bool) {
	if s, ok := c.byVal[val]; ok {
		return s, false
	}
	slot = c.next
	c.next++
	c.byVal[val] = slot
	c.bySlot = append(c.bySlot, val)
	return slot, true
}

// Learn records val at a slot assigned by the marshal side; used by the
// unmarshal side when it receives a new value for the first time.
func (c *CacheTable) Learn(slot int32, val string) {
	for int32(len(c.bySlot)) <= slot {
		c.bySlot = append(c.bySlot, "")
	}
	c.bySlot[slot] = val
	c.byVal[val] = slot
}

func (c *CacheTable) Lookup(slot int32) (string, bool) {
	if slot < 0 || int(slot) >= len(c.bySlot) {
		return "", false
	}
	return c.bySlot[slot], true
}

func (c *CacheTable) Reset() {
	c.bySlot = nil
	c.byVal = make(map[string]int32)
	c.next = 0
}

// DestinationCache specializes CacheTable to cache whole Destination
// values (not just their name), since message dispatch needs the type and
// parsed options back, not only the qualified name string.
type DestinationCache struct {
	table  *CacheTable
	byName map[string]Destination
}

func NewDestinationCache() *DestinationCache {
	return &DestinationCache{table: NewCacheTable(), byName: make(map[string]Destination)}
}

func (c *DestinationCache) Intern(d Destination) (slot int32, isNew bool) {
	key := d.QualifiedName()
	slot, isNew = c.table.Intern(key)
	if isNew {
		c.byName[key] = d
	}
	return slot, isNew
}

func (c *DestinationCache) Learn(slot int32, d Destination) {
	c.table.Learn(slot, d.QualifiedName())
	c.byName[d.QualifiedName()] = d
}

func (c *DestinationCache) Lookup(slot int32) (Destination, bool) {
	name, ok := c.table.Lookup(slot)
	if !ok {
		return Destination{}, false
	}
	d, ok := c.byName[name]
	return d, ok
}
