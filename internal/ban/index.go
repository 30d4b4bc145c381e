package ban

import (
	"net/netip"
	"sync"

	"github.com/inercia/bulwark/internal/netutil"
	"github.com/inercia/bulwark/internal/storage"
)

// blockIndex mirrors the persisted blocks in memory so that per-request
// checks do not hit the database. Exact addresses are looked up in a map,
// CIDR blocks are scanned linearly.
type blockIndex struct {
	mu      sync.RWMutex
	entries map[string]map[string]storage.Block // subject -> owner -> block
	cidrs   map[string]netip.Prefix
}

func newBlockIndex() *blockIndex {
	return &blockIndex{
		entries: make(map[string]map[string]storage.Block),
		cidrs:   make(map[string]netip.Prefix),
	}
}

// load replaces the index contents.
func (x *blockIndex) load(blocks []storage.Block) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]map[string]storage.Block, len(blocks))
	x.cidrs = make(map[string]netip.Prefix)
	for _, b := range blocks {
		x.addLocked(b)
	}
}

func (x *blockIndex) add(b storage.Block) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(b)
}

func (x *blockIndex) addLocked(b storage.Block) {
	owners, ok := x.entries[b.IP]
	if !ok {
		owners = make(map[string]storage.Block)
		x.entries[b.IP] = owners
	}
	owners[b.Owner] = b
	if sub, err := netutil.ParseSubject(b.IP); err == nil && !sub.IsAddr {
		x.cidrs[b.IP] = sub.Prefix.Masked()
	}
}

// remove drops the (owner, ip) entry.
func (x *blockIndex) remove(owner, ip string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	owners, ok := x.entries[ip]
	if !ok {
		return
	}
	delete(owners, owner)
	if len(owners) == 0 {
		delete(x.entries, ip)
		delete(x.cidrs, ip)
	}
}

// lookup returns a block covering subject: an exact match first, then any
// CIDR block containing a single address.
func (x *blockIndex) lookup(sub netutil.Subject) (storage.Block, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if owners, ok := x.entries[sub.String()]; ok {
		for _, b := range owners {
			return b, true
		}
	}
	if !sub.IsAddr {
		return storage.Block{}, false
	}
	addr := sub.Prefix.Addr()
	for key, p := range x.cidrs {
		if p.Contains(addr) {
			for _, b := range x.entries[key] {
				return b, true
			}
		}
	}
	return storage.Block{}, false
}

// exact reports whether subject itself has a persisted block.
func (x *blockIndex) exact(subject string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries[subject]) > 0
}

// count returns the number of persisted rows.
func (x *blockIndex) count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, owners := range x.entries {
		n += len(owners)
	}
	return n
}
