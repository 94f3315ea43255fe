package wire

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// DefaultScheme is used when a connection names no signature scheme.
const DefaultScheme = "hmac-sha256"

// HashFunc creates the hash underlying an HMAC signature scheme.
type HashFunc func() hash.Hash

// schemes stores registered signature schemes by their connection-file name.
var (
	schemesMu sync.RWMutex
	schemes   = map[string]HashFunc{
		"hmac-md5":      md5.New,
		"hmac-sha1":     sha1.New,
		"hmac-sha224":   sha256.New224,
		"hmac-sha256":   sha256.New,
		"hmac-sha384":   sha512.New384,
		"hmac-sha512":   sha512.New,
		"hmac-sha3_256": sha3.New256,
		"hmac-sha3_512": sha3.New512,
		"hmac-blake2b": func() hash.Hash {
			h, _ := blake2b.New512(nil)
			return h
		},
		"hmac-blake2s": func() hash.Hash {
			h, _ := blake2s.New256(nil)
			return h
		},
	}
)

// RegisterScheme adds a signature scheme. Names follow the connection file
// convention "hmac-<hashlib name>".
// Panics if a scheme with the same name is already registered.
func RegisterScheme(name string, fn HashFunc) {
	schemesMu.Lock()
	defer schemesMu.Unlock()

	if _, exists := schemes[name]; exists {
		panic(fmt.Sprintf("signature scheme %q already registered", name))
	}
	schemes[name] = fn
}

// Schemes returns the names of all registered schemes, sorted.
func Schemes() []string {
	schemesMu.RLock()
	defer schemesMu.RUnlock()

	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsScheme reports whether name is a registered scheme.
func IsScheme(name string) bool {
	_, ok := lookupScheme(name)
	return ok
}

func lookupScheme(name string) (HashFunc, bool) {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	fn, ok := schemes[name]
	return fn, ok
}
