package directory

import (
	"container/list"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/snowflake-tor/storage"
)

// DefaultMaxCachedCerts is the LRU cap on in-memory authority key
// certificates (spec §4.7: "LRU cap maxCached (default 20)").
const DefaultMaxCachedCerts = 20

// certKey is the composite cache key: two certs can share an identity
// fingerprint but differ in signing key (a rolled signing key), and must
// round-trip independently (spec §4.7 Open Question 2).
type certKey struct {
	identityFingerprint string
	signingKeyDigest    string
}

// CertManager caches directory authority key certificates, keyed by
// (identity fingerprint, signing key digest) ("cert:<fp>:<digest>"),
// evicting on expiry and capping in-memory residency at maxCached via LRU.
type CertManager struct {
	mu        sync.Mutex
	store     storage.Store
	maxCached int

	lru     *list.List               // front = most recently used; elements are *certKey
	entries map[certKey]*list.Element
	certs   map[certKey]KeyCert
}

// NewCertManager creates a CertManager backed by store, persisting evicted
// entries so they can be reloaded rather than refetched.
func NewCertManager(store storage.Store) *CertManager {
	return &CertManager{
		store:     store,
		maxCached: DefaultMaxCachedCerts,
		lru:       list.New(),
		entries:   make(map[certKey]*list.Element),
		certs:     make(map[certKey]KeyCert),
	}
}

func certStoreKey(k certKey) string {
	return "cert:" + k.identityFingerprint + ":" + k.signingKeyDigest
}

// Get returns the cached cert for (identityFingerprint, signingKeyDigest) if
// present and unexpired. It falls back to the backing store (e.g. after an
// in-memory eviction) before reporting a miss.
func (cm *CertManager) Get(identityFingerprint, signingKeyDigest string) (KeyCert, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	k := certKey{identityFingerprint, signingKeyDigest}

	if kc, ok := cm.certs[k]; ok {
		if cm.expireLocked(k, kc) {
			return KeyCert{}, false
		}
		cm.touchLocked(k)
		return kc, true
	}

	if cm.store == nil {
		return KeyCert{}, false
	}
	data, err := cm.store.Read(certStoreKey(k))
	if err != nil {
		return KeyCert{}, false
	}
	kc, err := decodeCertRecord(data)
	if err != nil {
		return KeyCert{}, false
	}
	if time.Now().After(kc.Expires) {
		_ = cm.store.Remove(certStoreKey(k))
		return KeyCert{}, false
	}
	cm.insertLocked(k, kc)
	return kc, true
}

// Put adds or replaces the cached cert for
// (kc.IdentityFingerprint, kc.SigningKeyDigest), persists it, and evicts the
// least-recently-used entry if over capacity.
func (cm *CertManager) Put(kc KeyCert) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	k := certKey{kc.IdentityFingerprint, kc.SigningKeyDigest}
	cm.insertLocked(k, kc)

	if cm.store == nil {
		return nil
	}
	data, err := encodeCertRecord(kc)
	if err != nil {
		return fmt.Errorf("encode cert record: %w", err)
	}
	return cm.store.Write(certStoreKey(k), data)
}

// insertLocked must be called with cm.mu held.
func (cm *CertManager) insertLocked(k certKey, kc KeyCert) {
	if el, ok := cm.entries[k]; ok {
		cm.lru.MoveToFront(el)
		cm.certs[k] = kc
		return
	}
	el := cm.lru.PushFront(k)
	cm.entries[k] = el
	cm.certs[k] = kc

	for cm.lru.Len() > cm.maxCached {
		oldest := cm.lru.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(certKey)
		cm.lru.Remove(oldest)
		delete(cm.entries, old)
		delete(cm.certs, old)
	}
}

func (cm *CertManager) touchLocked(k certKey) {
	if el, ok := cm.entries[k]; ok {
		cm.lru.MoveToFront(el)
	}
}

// expireLocked removes k if its cert has expired, reporting whether it did.
func (cm *CertManager) expireLocked(k certKey, kc KeyCert) bool {
	if time.Now().Before(kc.Expires) {
		return false
	}
	if el, ok := cm.entries[k]; ok {
		cm.lru.Remove(el)
		delete(cm.entries, k)
	}
	delete(cm.certs, k)
	if cm.store != nil {
		_ = cm.store.Remove(certStoreKey(k))
	}
	return true
}

// certRecord is the on-disk encoding of a KeyCert: a JSON record, like the
// ones directory/cache.go writes, with the signing key embedded as PEM.
type certRecord struct {
	IdentityFingerprint string    `json:"identity_fingerprint"`
	SigningKeyDigest    string    `json:"signing_key_digest"`
	SigningKeyPEM       string    `json:"signing_key_pem"`
	Expires             time.Time `json:"expires"`
}

func encodeCertRecord(kc KeyCert) ([]byte, error) {
	derBytes := x509.MarshalPKCS1PublicKey(kc.SigningKey)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: derBytes})
	return json.Marshal(certRecord{
		IdentityFingerprint: kc.IdentityFingerprint,
		SigningKeyDigest:    kc.SigningKeyDigest,
		SigningKeyPEM:       string(pemBytes),
		Expires:             kc.Expires,
	})
}

func decodeCertRecord(data []byte) (KeyCert, error) {
	var rec certRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return KeyCert{}, fmt.Errorf("unmarshal cert record: %w", err)
	}
	block, _ := pem.Decode([]byte(rec.SigningKeyPEM))
	if block == nil {
		return KeyCert{}, fmt.Errorf("decode signing key PEM")
	}
	pubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return KeyCert{}, fmt.Errorf("parse signing key: %w", err)
	}
	return KeyCert{
		IdentityFingerprint: rec.IdentityFingerprint,
		SigningKeyDigest:    rec.SigningKeyDigest,
		SigningKey:          pubKey,
		Expires:             rec.Expires,
	}, nil
}
