// Package credentials defines the lookup interface the STUN Stack consults
// while validating MESSAGE-INTEGRITY: a username known to the
// Authority carries a key, an unknown one does not. Storage of that mapping
// is explicitly out of scope; this package is the seam, not a credential store.
package credentials

// Authority resolves a STUN short-term username to its HMAC key. It is
// consulted once per request that carries USERNAME: the same lookup
// confirms the user is known and yields the key used to recompute
// MESSAGE-INTEGRITY.
type Authority interface {
	// Lookup returns the key for user, or ok=false if user is unknown.
	Lookup(user string) (key []byte, ok bool)
}

// InMemory is a minimal Authority backed by a plain map. Suitable for
// tests and for callers who manage a small, static set of credentials
// themselves.
type InMemory map[string][]byte

// Lookup implements Authority.
func (m InMemory) Lookup(user string) ([]byte, bool) {
	key, ok := m[user]
	return key, ok
}

// NewInMemory builds an InMemory Authority from a username->password map,
// copying the values so later mutation of src does not affect the
// Authority.
func NewInMemory(src map[string]string) InMemory {
	m := make(InMemory, len(src))
	for user, pass := range src {
		m[user] = []byte(pass)
	}
	return m
}
