// Package arpcache implements the IPv4-to-link-layer-address cache gating
// L2 transmission: TTL-based eviction, static (non-expiring) entries, and an
// explicit-clock design so tests never race a wall clock.
//
// Grounded on the teacher pack's SeleniaProject-Orizon kernel.ARPTable
// (map[string]ARPEntry keyed by ip.String(), check-on-lookup TTL) but
// generalized per spec.md §4.3: a configurable (optional) TTL instead of a
// hardcoded expiry, an initial-entries seed, a disable flag that
// short-circuits every Get to absent, and an explicit AdvanceClock(now)
// rather than time.Since(entry.Timestamp) so cache tests are deterministic.
package arpcache

import (
	"net"
	"time"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// Entry is a single resolved mapping. Static entries never expire
// regardless of the cache's configured TTL.
type Entry struct {
	IP         [4]byte
	MAC        MAC
	InsertedAt time.Time
	Static     bool
}

// Cache is the IPv4-to-MAC mapping described by spec.md §4.3.
type Cache struct {
	now     time.Time
	ttl     *time.Duration
	disable bool
	entries map[[4]byte]Entry
}

// New constructs a Cache. now is the cache's initial clock reading. ttl, if
// non-nil, bounds how long a non-static entry remains resolvable; a nil ttl
// means entries never expire. initial seeds the cache with static entries
// (never expiring, regardless of ttl). disable makes every Get report
// absent regardless of cache state.
func New(now time.Time, ttl *time.Duration, initial map[[4]byte]MAC, disable bool) *Cache {
	c := &Cache{
		now:     now,
		ttl:     ttl,
		disable: disable,
		entries: make(map[[4]byte]Entry, len(initial)),
	}
	for ip, mac := range initial {
		c.entries[ip] = Entry{IP: ip, MAC: mac, InsertedAt: now, Static: true}
	}
	return c
}

// Insert records (or refreshes) a resolved mapping. Inserting an existing
// key refreshes its InsertedAt timestamp (spec.md §4.3 tie-break), demoting
// it from static if it had been one.
func (c *Cache) Insert(ip [4]byte, mac MAC) {
	c.entries[ip] = Entry{IP: ip, MAC: mac, InsertedAt: c.now, Static: false}
}

// InsertStatic records a non-expiring mapping.
func (c *Cache) InsertStatic(ip [4]byte, mac MAC) {
	c.entries[ip] = Entry{IP: ip, MAC: mac, InsertedAt: c.now, Static: true}
}

// Get resolves ip to a MAC, evicting it first if its TTL has elapsed. It
// always reports absent if the cache is disabled.
func (c *Cache) Get(ip [4]byte) (MAC, bool) {
	if c.disable {
		return MAC{}, false
	}
	e, ok := c.entries[ip]
	if !ok {
		return MAC{}, false
	}
	if c.expired(e) {
		delete(c.entries, ip)
		return MAC{}, false
	}
	return e.MAC, true
}

func (c *Cache) expired(e Entry) bool {
	if e.Static || c.ttl == nil {
		return false
	}
	return c.now.After(e.InsertedAt.Add(*c.ttl))
}

// AdvanceClock moves the cache's internal notion of "now" forward. It does
// not itself evict anything; eviction happens lazily on the next Get, per
// spec.md §4.3 ("reported absent by get once the cache's internal clock
// exceeds t0 + ttl").
func (c *Cache) AdvanceClock(now time.Time) {
	c.now = now
}

// Clear unconditionally removes every entry, static or not.
func (c *Cache) Clear() {
	c.entries = make(map[[4]byte]Entry)
}

// Export returns a snapshot of the currently valid entries, applying the
// same TTL check Get does but without mutating the cache (a pure read).
func (c *Cache) Export() map[[4]byte]MAC {
	if c.disable {
		return map[[4]byte]MAC{}
	}
	out := make(map[[4]byte]MAC, len(c.entries))
	for ip, e := range c.entries {
		if !c.expired(e) {
			out[ip] = e.MAC
		}
	}
	return out
}

// ParseIPv4 converts a net.IP (4-byte or 4-in-16 form) to the [4]byte key
// used throughout this package.
func ParseIPv4(ip net.IP) ([4]byte, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], v4)
	return out, true
}
