package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cvsouth/snowflake-tor/storage"
)

const (
	consensusStoreKey = "consensus"
	microdescStoreKey = "microdescriptors"
)

// DefaultCacheDir returns the default cache directory (~/.daphne/tor-cache/).
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".daphne", "tor-cache")
}

// Cache handles caching of consensus and microdescriptor data, backed by a
// storage.Store (authority key certificates are handled separately by
// CertManager, since they're keyed and evicted differently).
type Cache struct {
	Store storage.Store
}

// NewCache creates a Cache backed by a FileStore rooted at dir.
func NewCache(dir string) (*Cache, error) {
	fs, err := storage.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("create file store: %w", err)
	}
	return &Cache{Store: fs}, nil
}

// cachedConsensus is the on-disk format for a cached consensus.
type cachedConsensus struct {
	Text       string    `json:"text"`
	ValidUntil time.Time `json:"valid_until"`
	FreshUntil time.Time `json:"fresh_until"`
}

// cachedMicrodescriptors is the on-disk format for cached microdescriptor data.
type cachedMicrodescriptors struct {
	// Relays stores the microdescriptor-derived fields keyed by MicrodescDigest.
	Relays map[string]cachedRelay `json:"relays"`
}

type cachedRelay struct {
	NtorOnionKey [32]byte `json:"ntor_onion_key"`
	Ed25519ID    [32]byte `json:"ed25519_id"`
	HasNtorKey   bool     `json:"has_ntor_key"`
	HasEd25519   bool     `json:"has_ed25519"`
}

func (c *Cache) loadConsensusRecord() (cachedConsensus, bool) {
	var cached cachedConsensus
	if c.Store == nil {
		return cached, false
	}
	data, err := c.Store.Read(consensusStoreKey)
	if err != nil {
		return cached, false
	}
	if err := json.Unmarshal(data, &cached); err != nil {
		return cached, false
	}
	return cached, true
}

// LoadConsensus attempts to load a cached consensus. Returns the consensus text
// and true if the cache is valid (valid-until has not passed), or empty string
// and false if no valid cache exists.
func (c *Cache) LoadConsensus() (string, bool) {
	cached, ok := c.loadConsensusRecord()
	if !ok {
		return "", false
	}
	if time.Now().After(cached.ValidUntil) {
		return "", false
	}
	return cached.Text, true
}

// NeedsRefresh returns true if the cached consensus is past its fresh-until time.
func (c *Cache) NeedsRefresh() bool {
	cached, ok := c.loadConsensusRecord()
	if !ok {
		return true
	}
	return time.Now().After(cached.FreshUntil)
}

// SaveConsensus saves a consensus to the cache.
func (c *Cache) SaveConsensus(text string, freshUntil, validUntil time.Time) error {
	if c.Store == nil {
		return fmt.Errorf("cache store not set")
	}
	cached := cachedConsensus{
		Text:       text,
		ValidUntil: validUntil,
		FreshUntil: freshUntil,
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal consensus cache: %w", err)
	}
	return c.Store.Write(consensusStoreKey, data)
}

// LoadMicrodescriptors loads cached microdescriptor data and applies it to the
// given relay slice. Returns the number of relays updated.
func (c *Cache) LoadMicrodescriptors(relays []Relay) int {
	if c.Store == nil {
		return 0
	}
	data, err := c.Store.Read(microdescStoreKey)
	if err != nil {
		return 0
	}
	var cached cachedMicrodescriptors
	if err := json.Unmarshal(data, &cached); err != nil {
		return 0
	}
	count := 0
	for i := range relays {
		cr, ok := cached.Relays[relays[i].MicrodescDigest]
		if !ok || !cr.HasNtorKey {
			continue
		}
		relays[i].NtorOnionKey = cr.NtorOnionKey
		relays[i].HasNtorKey = cr.HasNtorKey
		relays[i].Ed25519ID = cr.Ed25519ID
		relays[i].HasEd25519 = cr.HasEd25519
		count++
	}
	return count
}

// SaveMicrodescriptors saves microdescriptor data from the given relays to cache.
func (c *Cache) SaveMicrodescriptors(relays []Relay) error {
	if c.Store == nil {
		return fmt.Errorf("cache store not set")
	}
	cached := cachedMicrodescriptors{
		Relays: make(map[string]cachedRelay),
	}
	for _, r := range relays {
		if !r.HasNtorKey || r.MicrodescDigest == "" {
			continue
		}
		cached.Relays[r.MicrodescDigest] = cachedRelay{
			NtorOnionKey: r.NtorOnionKey,
			Ed25519ID:    r.Ed25519ID,
			HasNtorKey:   r.HasNtorKey,
			HasEd25519:   r.HasEd25519,
		}
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal microdescriptors cache: %w", err)
	}
	return c.Store.Write(microdescStoreKey, data)
}
