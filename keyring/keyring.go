package keyring

import (
	"sort"
	"sync"

	"github.com/oldani/taxy/taxyapi"
)

// Item is a keyring entry: either a server certificate or an ACME account
// entry, matching the Rust enum KeyringItem { ServerCert(Cert), Acme(AcmeEntry) }.
type Item interface {
	ID() string
}

// Keyring maps identifier to keyring item and produces the sorted views the
// TLS termination layer and admin API consume. All operations are
// synchronous and deterministic given the same inputs (§4.3); the embedded
// mutex only guards against concurrent add/delete from the control
// goroutine and a concurrent ACME background task, it is not a correctness
// requirement of the core ordering logic itself.
type Keyring struct {
	mu    sync.RWMutex
	items map[string]Item
}

// New builds a keyring from an initial set of items. Last write wins on
// identifier collision, as documented (and not expected) in §4.3.
func New(items ...Item) *Keyring {
	k := &Keyring{items: make(map[string]Item, len(items))}
	for _, it := range items {
		k.items[it.ID()] = it
	}
	return k
}

// Add upserts item by its identifier.
func (k *Keyring) Add(item Item) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.items[item.ID()] = item
}

// Delete removes the item with the given identifier, if present, and
// returns it.
func (k *Keyring) Delete(id string) (Item, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	item, ok := k.items[id]
	if ok {
		delete(k.items, id)
	}
	return item, ok
}

// Iter returns an unordered snapshot of every item in the keyring.
func (k *Keyring) Iter() []Item {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Item, 0, len(k.items))
	for _, it := range k.items {
		out = append(out, it)
	}
	return out
}

// Certs returns the server-certificate subset, sorted by the §3 comparator
// (most-preferred first).
func (k *Keyring) Certs() []*Cert {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sortedCertsLocked(func(*Cert) bool { return true })
}

// AcmeEntries returns the ACME-account subset, unsorted — ACME lifecycle
// tasks consume these in no particular order.
func (k *Keyring) AcmeEntries() []*AcmeEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*AcmeEntry
	for _, it := range k.items {
		if a, ok := it.(*AcmeEntry); ok {
			out = append(out, a)
		}
	}
	return out
}

// FindServerCertsByAcme returns the server-certificate subset whose
// metadata.acme_id equals acmeID, sorted by the §3 comparator.
func (k *Keyring) FindServerCertsByAcme(acmeID string) []*Cert {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sortedCertsLocked(func(c *Cert) bool {
		return c.metadata != nil && c.metadata.AcmeID == acmeID
	})
}

func (k *Keyring) sortedCertsLocked(keep func(*Cert) bool) []*Cert {
	var out []*Cert
	for _, it := range k.items {
		if c, ok := it.(*Cert); ok && keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return Compare(out[i], out[j]) < 0 })
	return out
}

// List returns taxyapi.KeyringInfo projections of every item, sorted by
// identifier ascending.
func (k *Keyring) List() []taxyapi.KeyringInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]taxyapi.KeyringInfo, 0, len(k.items))
	for _, it := range k.items {
		switch v := it.(type) {
		case *Cert:
			out = append(out, taxyapi.ServerCertInfo{CertInfo: v.Info()})
		case *AcmeEntry:
			out = append(out, taxyapi.AcmeKeyringInfo{AcmeInfo: v.Info()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
