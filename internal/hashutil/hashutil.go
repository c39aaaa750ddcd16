package hashutil

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"
	"strings"
)

type HashFactory func() hash.Hash

// Algorithm names double as the top-level directories of the cache, so only
// registered names are treated as cache content.
var registry = map[string]HashFactory{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

func GetHasher(name string) (hash.Hash, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s (supported: %s)", name, strings.Join(Algorithms(), ", "))
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	_, ok := registry[name]
	return ok
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidDigest reports whether s is a lowercase hex digest of the right length for algo.
func ValidDigest(algo, s string) bool {
	factory, ok := registry[algo]
	if !ok || len(s) != factory().Size()*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
