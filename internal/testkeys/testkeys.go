// Package testkeys hands out RSA-2048 signing keys for tests. Keys are
// generated once per test binary.
package testkeys

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/moffa90/go-nanohub/sigverify"
)

var (
	mu   sync.Mutex
	keys = map[string]*rsa.PrivateKey{}
)

// Key returns the signing key registered under name, generating it on first
// use.
func Key(t testing.TB, name string) *rsa.PrivateKey {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	if k, ok := keys[name]; ok {
		return k
	}
	k, err := sigverify.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key %q: %v", name, err)
	}
	keys[name] = k
	return k
}

// Public returns the image encoding of the public half of Key(t, name).
func Public(t testing.TB, name string) []byte {
	t.Helper()
	pub, err := sigverify.PublicKeyBytes(&Key(t, name).PublicKey)
	if err != nil {
		t.Fatalf("public key %q: %v", name, err)
	}
	return pub
}

// Table returns a KeyTable trusting the named keys.
func Table(t testing.TB, names ...string) *sigverify.KeyTable {
	t.Helper()
	table := sigverify.NewKeyTable()
	for _, n := range names {
		table.Add(Public(t, n))
	}
	return table
}
