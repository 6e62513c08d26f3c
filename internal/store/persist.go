package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	sharedCookiesFile = "shared_cookies.json"
	adminKeyFile      = "admin_key.txt"
)

// domainSafeRe matches characters not allowed in shard file names.
var domainSafeRe = regexp.MustCompile(`[^\w\-._]`)

// sharedFile is the canonical on-disk shape of the store.
type sharedFile struct {
	Cookies          []Cookie       `json:"cookies"`
	LoggedIn         bool           `json:"logged_in"`
	LastUpdated      *string        `json:"last_updated"`
	Count            int            `json:"count"`
	AvailableDomains map[string]int `json:"available_domains"`
	Timestamp        string         `json:"timestamp"`
}

// domainFile is one per-domain convenience shard.
type domainFile struct {
	Domain    string   `json:"domain"`
	Cookies   []Cookie `json:"cookies"`
	Count     int      `json:"count"`
	Timestamp string   `json:"timestamp"`
}

// persistPayload is built under the store mutex and written to disk outside
// of it.
type persistPayload struct {
	shared   sharedFile
	byDomain map[string][]Cookie
}

func (s *Store) persistPayloadLocked() persistPayload {
	cookies := make([]Cookie, len(s.cookies))
	copy(cookies, s.cookies)

	domains := make(map[string]int, len(s.domainIndex))
	for d, n := range s.domainIndex {
		domains[d] = n
	}

	var lastUpdated *string
	if !s.lastUpdated.IsZero() {
		v := s.lastUpdated.Format(time.RFC3339Nano)
		lastUpdated = &v
	}

	byDomain := make(map[string][]Cookie)
	for _, c := range cookies {
		d := NormalizeDomain(c.Domain)
		if d == "" {
			continue
		}
		byDomain[d] = append(byDomain[d], c)
	}

	return persistPayload{
		shared: sharedFile{
			Cookies:          cookies,
			LoggedIn:         s.loggedIn,
			LastUpdated:      lastUpdated,
			Count:            len(cookies),
			AvailableDomains: domains,
			Timestamp:        time.Now().Format(time.RFC3339Nano),
		},
		byDomain: byDomain,
	}
}

// writeFiles writes the canonical file and the per-domain shards.
func (s *Store) writeFiles(p persistPayload) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := writeJSON(filepath.Join(s.dir, sharedCookiesFile), p.shared); err != nil {
		return err
	}
	for domain, cookies := range p.byDomain {
		safe := domainSafeRe.ReplaceAllString(domain, "_")
		shard := domainFile{
			Domain:    domain,
			Cookies:   cookies,
			Count:     len(cookies),
			Timestamp: p.shared.Timestamp,
		}
		if err := writeJSON(filepath.Join(s.dir, safe+"_cookies.json"), shard); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	// Write to a temp file and rename so readers never see a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load reads the canonical file from disk. A missing file initializes an
// empty store; an unreadable or corrupt file is an error so startup can
// refuse to silently discard credentials.
func (s *Store) Load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, sharedCookiesFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", sharedCookiesFile, err)
	}
	var f sharedFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", sharedCookiesFile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = f.Cookies
	s.loggedIn = f.LoggedIn
	if f.LastUpdated != nil {
		if t, err := time.Parse(time.RFC3339Nano, *f.LastUpdated); err == nil {
			s.lastUpdated = t
		}
	}
	s.rebuildIndexLocked()
	return nil
}

// Persist writes the current state to disk, respecting the context deadline.
// Used by the shutdown path; routine mutations persist inline.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	payload := s.persistPayloadLocked()
	s.mu.RUnlock()

	done := make(chan error, 1)
	go func() { done <- s.writeFiles(payload) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadOrCreateAdminKey reads browser_data/admin_key.txt, generating a fresh
// 256-bit key on first boot.
func loadOrCreateAdminKey(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, adminKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key != "" {
			return key, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read admin key: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate admin key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write admin key: %w", err)
	}
	return key, nil
}
