package objc

// classRO is the subset of a class's read-only data this port cares
// about: its name and the address of its base method list.
type classRO struct {
	name        string
	baseMethods uint64
}

// Cache is the single-probe, open-addressing class-RO cache from
// spec §4.G: index = (dataRW >> 2) mod capacity, first writer wins,
// capacity fixed at first use. Correctness never depends on it; a
// miss simply means re-parsing the class.
type Cache struct {
	capacity int
	occupied []bool
	keys     []uint64
	values   []classRO
}

// DefaultCacheCapacity is spec §4.G's default of 1024 entries.
const DefaultCacheCapacity = 1024

// NewCache allocates a cache with the given capacity. Per
// SPEC_FULL.md §9, this allocation happens once at session setup,
// outside the crash-time path, so an ordinary Go slice replaces the
// original's vm_allocate.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		occupied: make([]bool, capacity),
		keys:     make([]uint64, capacity),
		values:   make([]classRO, capacity),
	}
}

func (c *Cache) index(dataRW uint64) int {
	return int((dataRW >> 2) % uint64(c.capacity))
}

// Lookup returns the cached classRO for dataRW, if the slot is
// occupied by that exact key.
func (c *Cache) Lookup(dataRW uint64) (classRO, bool) {
	if c == nil {
		return classRO{}, false
	}
	i := c.index(dataRW)
	if c.occupied[i] && c.keys[i] == dataRW {
		return c.values[i], true
	}
	return classRO{}, false
}

// Insert stores ro at dataRW's slot if it is empty; an occupied slot
// is left untouched (first writer wins), per spec §4.G.
func (c *Cache) Insert(dataRW uint64, ro classRO) {
	if c == nil {
		return
	}
	i := c.index(dataRW)
	if c.occupied[i] {
		return
	}
	c.occupied[i] = true
	c.keys[i] = dataRW
	c.values[i] = ro
}
