package vm

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// TLBConfig holds the geometry of the translation cache.
type TLBConfig struct {
	// Sets is the number of sets.
	Sets int
	// Ways is the associativity.
	Ways int
}

// DefaultTLBConfig returns a 64-set, 4-way TLB (256 entries).
func DefaultTLBConfig() TLBConfig {
	return TLBConfig{
		Sets: 64,
		Ways: 4,
	}
}

// TLBStats holds translation cache statistics.
type TLBStats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// TLB caches page table entries by virtual page number. It uses the Akita
// cache directory for set/way bookkeeping and LRU replacement; the entries
// themselves live in a parallel slice indexed like the directory blocks.
type TLB struct {
	config    TLBConfig
	directory *akitacache.DirectoryImpl
	entries   []*pte
	stats     TLBStats
}

// NewTLB creates a TLB with the given geometry.
func NewTLB(config TLBConfig) *TLB {
	return &TLB{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			PageSize,
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]*pte, config.Sets*config.Ways),
	}
}

// Stats returns TLB statistics.
func (t *TLB) Stats() TLBStats {
	return t.stats
}

func (t *TLB) index(block *akitacache.Block) int {
	return block.SetID*t.config.Ways + block.WayID
}

// lookup returns the cached entry for vpn, or nil on a miss.
func (t *TLB) lookup(vpn uint64) *pte {
	block := t.directory.Lookup(0, vpn<<PageShift)
	if block == nil || !block.IsValid {
		t.stats.Misses++
		return nil
	}

	t.stats.Hits++
	t.directory.Visit(block)
	return t.entries[t.index(block)]
}

// insert caches p, evicting the least recently used entry of its set.
func (t *TLB) insert(p *pte) {
	tag := p.vpn << PageShift

	victim := t.directory.FindVictim(tag)
	if victim == nil {
		return
	}
	if victim.IsValid {
		t.stats.Evictions++
	}

	victim.Tag = tag
	victim.IsValid = true
	t.entries[t.index(victim)] = p
	t.directory.Visit(victim)
}

// invalidate drops the entry for vpn, if cached.
func (t *TLB) invalidate(vpn uint64) {
	block := t.directory.Lookup(0, vpn<<PageShift)
	if block == nil || !block.IsValid {
		return
	}

	t.stats.Invalidations++
	block.IsValid = false
	t.entries[t.index(block)] = nil
}

// Flush drops every cached entry.
func (t *TLB) Flush() {
	for _, set := range t.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				t.stats.Invalidations++
			}
			block.IsValid = false
		}
	}
	clear(t.entries)
}
