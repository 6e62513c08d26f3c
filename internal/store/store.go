// Package store holds the authoritative in-memory cookie set shared with
// worker clients, its per-domain index, and its durability to the
// browser_data directory.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Notifier receives store change events. The server wires this to the
// notification hub (broadcast to workers) and to the coordinator (re-run
// promotion when new domains appear).
type Notifier interface {
	CookiesUpdated(count int, loggedIn bool, at time.Time)
	CookiesCleared(at time.Time)
}

// DomainInfo is one row of the domain listing.
type DomainInfo struct {
	Domain      string `json:"domain"`
	CookieCount int    `json:"cookie_count"`
}

// Snapshot is a point-in-time copy of the store state.
type Snapshot struct {
	Cookies     []Cookie
	LoggedIn    bool
	LastUpdated time.Time
	Count       int
}

// Store is the credential store. All exported methods are safe for concurrent
// use. Mutations rebuild the domain index, bump lastUpdated, persist to disk,
// and notify. Persistence failures are logged and do not fail the mutation;
// the in-memory state is authoritative.
type Store struct {
	mu          sync.RWMutex
	cookies     []Cookie
	domainIndex map[string]int
	loggedIn    bool
	lastUpdated time.Time

	dir      string
	adminKey string
	fileMu   sync.Mutex // serializes disk writes; never held together with mu

	notifier Notifier
}

// New creates a store rooted at dir (created if absent) and loads or creates
// the admin key. Call Load before serving.
func New(dir string) (*Store, error) {
	s := &Store{
		dir:         dir,
		domainIndex: make(map[string]int),
	}
	key, err := loadOrCreateAdminKey(dir)
	if err != nil {
		return nil, err
	}
	s.adminKey = key
	return s, nil
}

// SetNotifier installs the change listener. Must be called before the store
// is shared across goroutines.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// AdminKey returns the shared admin secret.
func (s *Store) AdminKey() string { return s.adminKey }

// Dir returns the persistence directory.
func (s *Store) Dir() string { return s.dir }

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cookies := make([]Cookie, len(s.cookies))
	copy(cookies, s.cookies)
	return Snapshot{
		Cookies:     cookies,
		LoggedIn:    s.loggedIn,
		LastUpdated: s.lastUpdated,
		Count:       len(s.cookies),
	}
}

// ForDomains returns every cookie whose normalized domain is in domains.
// Unknown domains contribute zero cookies; the call never fails.
func (s *Store) ForDomains(domains []string) []Cookie {
	want := make(map[string]bool, len(domains))
	for _, d := range domains {
		want[NormalizeDomain(d)] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Cookie{}
	for _, c := range s.cookies {
		if want[NormalizeDomain(c.Domain)] {
			out = append(out, c)
		}
	}
	return out
}

// HasDomain reports whether at least one cookie exists for the normalized
// domain. The coordinator consults this for admission.
func (s *Store) HasDomain(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domainIndex[NormalizeDomain(domain)] > 0
}

// Domains lists known domains with their cookie counts, sorted by domain.
func (s *Store) Domains() []DomainInfo {
	s.mu.RLock()
	infos := make([]DomainInfo, 0, len(s.domainIndex))
	for d, n := range s.domainIndex {
		infos = append(infos, DomainInfo{Domain: d, CookieCount: n})
	}
	s.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Domain < infos[j].Domain })
	return infos
}

// Replace atomically swaps the cookie set. When loggedIn is nil the flag is
// recomputed from the new set.
func (s *Store) Replace(cookies []Cookie, loggedIn *bool) error {
	for _, c := range cookies {
		if err := c.validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cookies = append([]Cookie(nil), cookies...)
	s.applyMutationLocked(loggedIn)
	payload := s.persistPayloadLocked()
	count, logged, at := len(s.cookies), s.loggedIn, s.lastUpdated
	s.mu.Unlock()

	s.persistLogged(payload)
	if s.notifier != nil {
		s.notifier.CookiesUpdated(count, logged, at)
	}
	return nil
}

// Merge upserts by identity key with new-wins semantics: colliding entries
// are overwritten in place, genuinely new entries are appended in arrival
// order. Returns how many were added and how many replaced.
func (s *Store) Merge(newCookies []Cookie, loggedIn *bool) (added, replaced int, err error) {
	for _, c := range newCookies {
		if err := c.validate(); err != nil {
			return 0, 0, err
		}
	}
	s.mu.Lock()
	index := make(map[Key]int, len(s.cookies))
	for i, c := range s.cookies {
		index[c.Key()] = i
	}
	for _, c := range newCookies {
		if i, ok := index[c.Key()]; ok {
			s.cookies[i] = c
			replaced++
			continue
		}
		s.cookies = append(s.cookies, c)
		index[c.Key()] = len(s.cookies) - 1
		added++
	}
	s.applyMutationLocked(loggedIn)
	payload := s.persistPayloadLocked()
	count, logged, at := len(s.cookies), s.loggedIn, s.lastUpdated
	s.mu.Unlock()

	s.persistLogged(payload)
	if s.notifier != nil {
		s.notifier.CookiesUpdated(count, logged, at)
	}
	return added, replaced, nil
}

// Delete removes cookies matching the given identity keys. When no cookies
// remain the logged-in flag is cleared.
func (s *Store) Delete(keys []Key) (deleted, remaining int) {
	drop := make(map[Key]bool, len(keys))
	for _, k := range keys {
		if k.Path == "" {
			k.Path = "/"
		}
		drop[k] = true
	}
	s.mu.Lock()
	kept := s.cookies[:0]
	for _, c := range s.cookies {
		if drop[c.Key()] {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	s.cookies = kept
	s.applyMutationLocked(nil)
	payload := s.persistPayloadLocked()
	count, logged, at := len(s.cookies), s.loggedIn, s.lastUpdated
	remaining = count
	s.mu.Unlock()

	s.persistLogged(payload)
	if s.notifier != nil {
		s.notifier.CookiesUpdated(count, logged, at)
	}
	return deleted, remaining
}

// Clear empties the store and resets the logged-in flag.
func (s *Store) Clear() (removed int) {
	s.mu.Lock()
	removed = len(s.cookies)
	s.cookies = nil
	s.loggedIn = false
	s.lastUpdated = time.Now()
	s.rebuildIndexLocked()
	payload := s.persistPayloadLocked()
	at := s.lastUpdated
	s.mu.Unlock()

	s.persistLogged(payload)
	if s.notifier != nil {
		s.notifier.CookiesCleared(at)
	}
	return removed
}

// applyMutationLocked finishes a mutation: derives the logged-in flag unless
// the caller set it explicitly, bumps lastUpdated, rebuilds the index.
func (s *Store) applyMutationLocked(loggedIn *bool) {
	if loggedIn != nil {
		s.loggedIn = *loggedIn
	} else {
		s.loggedIn = looksLoggedIn(s.cookies)
	}
	s.lastUpdated = time.Now()
	s.rebuildIndexLocked()
}

func (s *Store) rebuildIndexLocked() {
	s.domainIndex = make(map[string]int, len(s.domainIndex))
	for _, c := range s.cookies {
		d := NormalizeDomain(c.Domain)
		if d == "" {
			continue
		}
		s.domainIndex[d]++
	}
}

func (s *Store) persistLogged(p persistPayload) {
	if err := s.writeFiles(p); err != nil {
		slog.Warn("cookie persist failed; in-memory state remains authoritative",
			slog.String("dir", s.dir), slog.String("error", err.Error()))
	}
}
